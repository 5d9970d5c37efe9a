package collab

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

// Logging convention in the `collab` package:
// Info:
//     abnormal but recoverable events. Silent on normal operation, with the exception of
//     one time session lifecycle (connect, join, close).
//     - transport errors and drops
//     - skipped wire cells
//     - panics recovered from user callbacks
// V(1):
//     lifecycle of subsystems, lock grants and denials
// V(2):
//     per message tracing (emit, receive, suppress). Never enable in production.

// a callback that panics with a canceled context is part of a normal close
func isCanceled(r any) bool {
	switch v := r.(type) {
	case error:
		return errors.Is(v, context.Canceled) || errors.Is(v, ErrClosed)
	default:
		return false
	}
}

// Runs `do` and recovers a panic, passing it to the handlers.
// Store subscribers, lock observers and cursor observers always run through this.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		if r = recover(); r != nil {
			if !isCanceled(r) {
				glog.Warningf("[callback]recovered: %s\n", panicJson(r, debug.Stack()))
			}
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
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

func panicJson(r any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	b, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%T=%v", r, r),
		"stack": stackLines,
	})
	return string(b)
}

// logs the start and end of `do` at V(2)
func Trace(tag string, do func()) {
	trace(tag, func() string {
		do()
		return ""
	})
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return ""
	})
	return
}

func trace(tag string, do func() string) {
	start := time.Now()
	glog.V(2).Infof("%s start\n", tag)
	doTag := do()
	glog.V(2).Infof("%s end (%.2fms)%s\n", tag, float64(time.Since(start))/float64(time.Millisecond), doTag)
}
