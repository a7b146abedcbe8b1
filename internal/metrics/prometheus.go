package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	gauge(&sb, "relay_authz_uptime_seconds", "Time since the gatekeeper started", snap.Uptime)

	labelled(&sb, "relay_authz_decisions_total", "Admission decisions by verdict", "verdict", snap.Decisions)
	labelled(&sb, "relay_authz_deny_reasons_total", "Denied events by reason", "reason", snap.DenyReasons)
	counter(&sb, "relay_authz_decision_duration_us_total", "Total time spent deciding, in microseconds", snap.DecisionDurationUs)

	labelled(&sb, "relay_authz_rpc_requests_total", "Inbound RPC calls by method", "method", snap.RPCRequests)
	labelled(&sb, "relay_authz_rpc_errors_total", "Inbound RPC calls that failed by method", "method", snap.RPCErrors)

	labelled(&sb, "relay_authz_payments_total", "Payment events by outcome", "outcome", snap.Payments)
	counter(&sb, "relay_authz_credited_total", "Amount credited from payments", snap.CreditedAmount)
	counter(&sb, "relay_authz_debited_total", "Amount debited for admitted events", snap.DebitedAmount)

	sb.WriteString("# HELP relay_authz_notifications_total Notification deliveries by kind and result\n")
	sb.WriteString("# TYPE relay_authz_notifications_total counter\n")
	for _, key := range sortedKeys(snap.Notifications) {
		kind, result, _ := strings.Cut(key, "/")
		sb.WriteString(fmt.Sprintf("relay_authz_notifications_total{kind=\"%s\",result=\"%s\"} %d\n", kind, result, snap.Notifications[key]))
	}
	sb.WriteString("\n")
	counter(&sb, "relay_authz_notifications_dropped_total", "Notifications dropped on a full queue", snap.NotificationDropped)

	return sb.String()
}

func gauge(sb *strings.Builder, name, help string, v int64) {
	single(sb, name, help, "gauge", v)
}

func counter(sb *strings.Builder, name, help string, v int64) {
	single(sb, name, help, "counter", v)
}

func single(sb *strings.Builder, name, help, typ string, v int64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, typ))
	sb.WriteString(fmt.Sprintf("%s %d\n\n", name, v))
}

func labelled(sb *strings.Builder, name, help, label string, values map[string]int64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	for _, key := range sortedKeys(values) {
		sb.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, escapeLabel(key), values[key]))
	}
	sb.WriteString("\n")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\n`)
}
