// Package promise implements the registry that tracks outstanding
// asynchronous operations (recipient lookups, encryptions, decryptions)
// by opaque 64-bit handle.
//
// Background goroutines complete promises; callers observe completion by
// blocking on Wait, polling with Poll, or registering an OnComplete
// handler. Handles are generational: once a promise is concluded its
// handle is invalidated and every later use of it fails with
// ErrBadPromiseID rather than touching a recycled slot.
//
// Example:
//
//	reg := promise.NewRegistry()
//	id := reg.Create()
//
//	go func() {
//	    blob, err := doExpensiveWork()
//	    if err != nil {
//	        reg.Fail(id, err)
//	        return
//	    }
//	    reg.Resolve(id, blob)
//	}()
//
//	status, err := reg.Wait(id, 5*time.Second)
//	if err == nil && status == promise.StatusDataAvailable {
//	    data, _ := reg.Fetch(id)
//	    // ... use data ...
//	    reg.Conclude(id)
//	}
package promise
