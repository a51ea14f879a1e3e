package api

import "sync"

// RequestObservation captures one finished request, after all retries.
type RequestObservation struct {
	Operation  string
	Method     string
	Path       string
	Status     int
	Attempts   int
	DurationMS int64
	Success    bool
	Kind       Kind
}

// RetryObservation captures one retry decision inside a request.
type RetryObservation struct {
	Operation string
	Attempt   int
	Kind      Kind
	DelayMS   int64
}

// Observer receives request-level observability events.
type Observer interface {
	ObserveRequest(observation RequestObservation)
	ObserveRetry(observation RetryObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveRequest(RequestObservation) {}
func (noopObserver) ObserveRetry(RetryObservation)     {}

var (
	observerMu     sync.RWMutex
	activeObserver Observer = noopObserver{}
)

// SetObserver sets the process-wide request observability observer.
func SetObserver(observer Observer) {
	observerMu.Lock()
	defer observerMu.Unlock()
	if observer == nil {
		activeObserver = noopObserver{}
		return
	}
	activeObserver = observer
}

func emitRequestObservation(observation RequestObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveRequest(observation)
}

func emitRetryObservation(observation RetryObservation) {
	observerMu.RLock()
	observer := activeObserver
	observerMu.RUnlock()
	observer.ObserveRetry(observation)
}
