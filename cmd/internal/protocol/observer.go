package protocol

// EvictReason says why a session left the store.
type EvictReason string

const (
	EvictExpired  EvictReason = "expired"
	EvictConsumed EvictReason = "consumed"
	EvictDeleted  EvictReason = "deleted"
)

// Observer receives protocol events for instrumentation.
//
// Implementations are called while the store lock is held and must not block
// or call back into the Store.
type Observer interface {
	SessionCreated()
	SessionsEvicted(reason EvictReason, n int)
	StageObserved(stage Stage, code string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) SessionCreated()                      {}
func (NopObserver) SessionsEvicted(_ EvictReason, _ int) {}
func (NopObserver) StageObserved(_ Stage, _ string)      {}
