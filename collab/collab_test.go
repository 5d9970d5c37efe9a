package collab

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

type testEmit struct {
	kind    MessageKind
	payload any
}

// records emits and dispatches delivered frames to the registered handlers
type testTransport struct {
	schemaId  string
	sessionId string
	userId    string
	userName  string

	stateLock sync.Mutex
	emits     []*testEmit
	handlers  map[MessageKind]*CallbackList[FrameHandler]
	emitErr   error
}

func newTestTransport(schemaId string) *testTransport {
	return &testTransport{
		schemaId:  schemaId,
		sessionId: NewId().String(),
		userId:    "user_a",
		userName:  "A",
		emits:     []*testEmit{},
		handlers:  map[MessageKind]*CallbackList[FrameHandler]{},
	}
}

func (self *testTransport) SchemaId() string {
	return self.schemaId
}

func (self *testTransport) SessionId() string {
	return self.sessionId
}

func (self *testTransport) UserId() string {
	return self.userId
}

func (self *testTransport) UserName() string {
	return self.userName
}

func (self *testTransport) Emit(kind MessageKind, payload any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.emitErr != nil {
		return self.emitErr
	}
	self.emits = append(self.emits, &testEmit{kind: kind, payload: payload})
	return nil
}

func (self *testTransport) On(kind MessageKind, handler FrameHandler) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	callbacks, ok := self.handlers[kind]
	if !ok {
		callbacks = NewCallbackList[FrameHandler]()
		self.handlers[kind] = callbacks
	}
	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *testTransport) setEmitErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.emitErr = err
}

func (self *testTransport) Emits() []*testEmit {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.emits)
}

func (self *testTransport) EmitsOf(kind MessageKind) []*testEmit {
	emits := []*testEmit{}
	for _, emit := range self.Emits() {
		if emit.kind == kind {
			emits = append(emits, emit)
		}
	}
	return emits
}

func (self *testTransport) ClearEmits() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.emits = []*testEmit{}
}

func (self *testTransport) HandlerCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	n := 0
	for _, callbacks := range self.handlers {
		n += callbacks.Len()
	}
	return n
}

// runs the handlers for the message as one loop turn
func (self *testTransport) deliver(loop *Loop, message any) {
	frame := RequireToFrame(self.schemaId, message)
	var handlers []FrameHandler
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if callbacks, ok := self.handlers[frame.Kind]; ok {
			handlers = callbacks.Get()
		}
	}()
	loop.Run(func() {
		for _, handler := range handlers {
			handler(frame)
		}
	})
}

func TestIdOrder(t *testing.T) {
	// ulids minted by one process are ordered by create time
	ids := []Id{}
	for i := 0; i < 16; i += 1 {
		ids = append(ids, NewId())
		time.Sleep(2 * time.Millisecond)
	}
	for i := 1; i < len(ids); i += 1 {
		assert.Equal(t, ids[i-1].LessThan(ids[i]), true)
	}

	id := NewId()
	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	// ids travel as uuid strings
	versionBytes, err := json.Marshal(&SchemaVersion{Id: id})
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(string(versionBytes), fmt.Sprintf(`"id":"%s"`, id)), true)
	var version SchemaVersion
	assert.Equal(t, json.Unmarshal(versionBytes, &version), nil)
	assert.Equal(t, version.Id, id)
	assert.NotEqual(t, json.Unmarshal([]byte(`{"id":"not an id"}`), &version), nil)

	elementId := NewElementId("table_")
	assert.Equal(t, elementId[:len("table_")], "table_")
	assert.NotEqual(t, elementId, NewElementId("table_"))
}

func TestLoopOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewLoop(ctx)
	defer loop.Close()

	n := 100
	order := []int{}
	for i := 0; i < n; i += 1 {
		i := i
		loop.Post(func() {
			order = append(order, i)
		})
	}
	// work posted from a turn runs after the turn
	nested := []string{}
	loop.Run(func() {
		loop.Post(func() {
			nested = append(nested, "posted")
		})
		nested = append(nested, "turn")
	})
	loop.Run(func() {})

	expected := []int{}
	for i := 0; i < n; i += 1 {
		expected = append(expected, i)
	}
	assert.Equal(t, order, expected)
	assert.Equal(t, nested, []string{"turn", "posted"})
}

func TestLoopTimer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewLoop(ctx)
	defer loop.Close()

	fired := make(chan string, 2)
	a := loop.AfterFunc(20*time.Millisecond, func() {
		fired <- "a"
	})
	b := loop.AfterFunc(20*time.Millisecond, func() {
		fired <- "b"
	})
	assert.Equal(t, b.Stop(), true)
	assert.Equal(t, b.Pending(), false)

	select {
	case name := <-fired:
		assert.Equal(t, name, "a")
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, a.Pending(), false)
	assert.Equal(t, a.Stop(), false)

	select {
	case name := <-fired:
		t.Fatalf("stopped timer fired: %s", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewLoop(ctx)
	assert.Equal(t, loop.Run(func() {}), true)
	loop.Close()
	<-loop.Done()
	assert.Equal(t, loop.Post(func() {}), false)
	assert.Equal(t, loop.Run(func() {}), false)
}

func TestHandleError(t *testing.T) {
	r := HandleError(func() {
		panic("callback error")
	})
	assert.Equal(t, r, "callback error")

	r = HandleError(func() {})
	assert.Equal(t, r, nil)

	// handlers see the panic as an error
	handled := []error{}
	r = HandleError(func() {
		panic(context.Canceled)
	}, func(err error) {
		handled = append(handled, err)
	})
	assert.Equal(t, r, context.Canceled)
	assert.Equal(t, handled, []error{context.Canceled})
	assert.Equal(t, isCanceled(r), true)
	assert.Equal(t, isCanceled("callback error"), false)

	// the traced result passes through
	traced, err := TraceWithReturnError("[test]trace", func() (int, error) {
		return 7, nil
	})
	assert.Equal(t, traced, 7)
	assert.Equal(t, err, nil)
	ran := false
	Trace("[test]trace", func() {
		ran = true
	})
	assert.Equal(t, ran, true)
}
