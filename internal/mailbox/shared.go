package mailbox

// Shared wraps a mailbox whose lifetime is owned elsewhere. Close becomes a
// no-op so several users can attach to one in-process tree.
type Shared struct {
	Mailbox
}

// NewShared wraps m with a no-op Close
func NewShared(m Mailbox) *Shared {
	return &Shared{Mailbox: m}
}

// Close implements Mailbox and leaves the underlying mailbox running
func (s *Shared) Close() {}
