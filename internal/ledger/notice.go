package ledger

// NoticeKind names a ledger change that downstream notifiers may act upon.
type NoticeKind string

const (
	// NoticeOnboarded is emitted once, when a credit opens a new account.
	NoticeOnboarded NoticeKind = "onboarded"
	// NoticeCredited is emitted after every successful payment credit.
	NoticeCredited NoticeKind = "credited"
	// NoticeDebited is emitted after an admitted event is charged.
	NoticeDebited NoticeKind = "debited"
)

// Notice describes a committed ledger change.
type Notice struct {
	Kind    NoticeKind
	Pubkey  string
	Balance int64
	Delta   int64
	ProofID string
}

// Notifier receives notices after the ledger change has been committed.
// Implementations must not block: the ledger calls Notify on the request path.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}
