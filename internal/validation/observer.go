package validation

import "subvalidator/internal/types"

// Observer receives cache activity. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	CacheHit()
	CacheMiss()
	FetchFailed(code types.ErrorCode)
	Computed(result types.ValidationResult)
	Evicted(n int)
	Size(n int)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) CacheHit()                       {}
func (NopObserver) CacheMiss()                      {}
func (NopObserver) FetchFailed(types.ErrorCode)     {}
func (NopObserver) Computed(types.ValidationResult) {}
func (NopObserver) Evicted(int)                     {}
func (NopObserver) Size(int)                        {}

// MultiObserver fans events out to several observers.
type MultiObserver []Observer

func (m MultiObserver) CacheHit() {
	for _, o := range m {
		o.CacheHit()
	}
}

func (m MultiObserver) CacheMiss() {
	for _, o := range m {
		o.CacheMiss()
	}
}

func (m MultiObserver) FetchFailed(code types.ErrorCode) {
	for _, o := range m {
		o.FetchFailed(code)
	}
}

func (m MultiObserver) Computed(result types.ValidationResult) {
	for _, o := range m {
		o.Computed(result)
	}
}

func (m MultiObserver) Evicted(n int) {
	for _, o := range m {
		o.Evicted(n)
	}
}

func (m MultiObserver) Size(n int) {
	for _, o := range m {
		o.Size(n)
	}
}

var (
	_ Observer = NopObserver{}
	_ Observer = MultiObserver(nil)
)
