package guard

// RequestContext describes the request behind a unit of work. Every field
// is optional.
type RequestContext struct {
	IP       string            `json:"ip,omitempty"`
	Path     string            `json:"path,omitempty"`
	Method   string            `json:"method,omitempty"`
	UserID   string            `json:"userId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Observer is notified of every rejection before it is returned to the
// caller. Notify runs on the caller's goroutine; a panic in it propagates.
type Observer interface {
	Notify(err *RateLimitError, reqCtx *RequestContext)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(err *RateLimitError, reqCtx *RequestContext)

func (f ObserverFunc) Notify(err *RateLimitError, reqCtx *RequestContext) { f(err, reqCtx) }

// Observers fans a rejection out to several observers in order. Nil
// entries are skipped.
func Observers(list ...Observer) Observer {
	var out multiObserver
	for _, o := range list {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) Notify(err *RateLimitError, reqCtx *RequestContext) {
	for _, o := range m {
		o.Notify(err, reqCtx)
	}
}
