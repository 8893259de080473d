package livequery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do` and recovers a panic, returning the recovered value.
// Listener callbacks and query constructors are user code and run through this
// so that a bad callback cannot take down a socket reader or a session.
// Each handler is a `func()` or a `func(error)` and runs only on panic.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			if errors.Is(err, context.Canceled) {
				// raised on cancel, not a fault
			} else {
				glog.Warningf("Unexpected error: %s\n", ErrorJson(r, debug.Stack()))
			}
			for _, handler := range handlers {
				switch v := handler.(type) {
				case func():
					v()
				case func(error):
					v(err)
				}
			}
		}
	}()
	do()
	return
}

func ErrorJson(err any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		stackLines = append(stackLines, strings.TrimSpace(line))
	}
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%s", err, err),
		"stack": stackLines,
	})
	return string(errorJson)
}

// times `do` at verbosity 2
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	if !glog.V(2) {
		return do()
	}
	start := time.Now()
	result, returnErr = do()
	millis := float32(time.Since(start)) / float32(time.Millisecond)
	if returnErr != nil {
		glog.Infof("%s (%.2fms) err = %s\n", tag, millis, returnErr)
	} else {
		glog.Infof("%s (%.2fms)\n", tag, millis)
	}
	return
}
