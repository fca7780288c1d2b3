package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicline-dev/topicline-go-stomp-broker/internal/frame"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/hub"
	"github.com/topicline-dev/topicline-go-stomp-broker/internal/store"
)

type recordingHandle struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (r *recordingHandle) Send(f *frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingHandle) Close() error { return nil }

func (r *recordingHandle) received() []*frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*frame.Frame(nil), r.frames...)
}

func (r *recordingHandle) last() *frame.Frame {
	got := r.received()
	if len(got) == 0 {
		return nil
	}
	return got[len(got)-1]
}

// terminationObservingHandle records whether the session already reported
// termination at the moment each frame was handed over, the way a dispatcher
// on another goroutine may poll it while flushing.
type terminationObservingHandle struct {
	sess                *Session
	terminatedAtEnqueue []bool
}

func (h *terminationObservingHandle) Send(f *frame.Frame) error {
	h.terminatedAtEnqueue = append(h.terminatedAtEnqueue, h.sess.ShouldTerminate())
	return nil
}

func (h *terminationObservingHandle) Close() error { return nil }

// failingStore errors on every operation, standing in for an unreachable
// sidecar.
type failingStore struct{}

func (failingStore) FetchCredential(string) (string, bool, error) {
	return "", false, errors.New("store unreachable")
}
func (failingStore) SaveCredential(string, string) error { return errors.New("store unreachable") }
func (failingStore) RecordLogin(string) error            { return errors.New("store unreachable") }
func (failingStore) RecordLogout(string) error           { return errors.New("store unreachable") }
func (failingStore) RecordUpload(string, string) error   { return errors.New("store unreachable") }

type fixture struct {
	hub    *hub.Hub
	store  *store.MemoryStore
	nextID uint64
}

func newFixture() *fixture {
	return &fixture{hub: hub.New(), store: store.NewMemoryStore()}
}

func (fx *fixture) newSession() (*Session, *recordingHandle) {
	fx.nextID++
	handle := &recordingHandle{}
	fx.hub.Add(fx.nextID, handle)
	return New(fx.nextID, fx.hub, fx.store), handle
}

func connect(s *Session, user, pass string) {
	s.Process(frame.New(frame.CmdConnect, "",
		"accept-version", SupportedVersion,
		"host", "localhost",
		"login", user,
		"passcode", pass,
	))
}

func TestConnectAutoProvision(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()

	connect(s, "meni", "films")

	require.False(t, s.ShouldTerminate())
	got := handle.received()
	require.Len(t, got, 1)
	assert.Equal(t, frame.CmdConnected, got[0].Command)
	assert.Equal(t, SupportedVersion, got[0].HeaderValue("version"))

	passcode, found, _ := fx.store.FetchCredential("meni")
	assert.True(t, found)
	assert.Equal(t, "films", passcode)
	assert.Equal(t, []string{"meni"}, fx.store.Logins())
}

func TestConnectWrongPasscode(t *testing.T) {
	fx := newFixture()
	require.NoError(t, fx.store.SaveCredential("meni", "films"))
	s, handle := fx.newSession()

	connect(s, "meni", "wrong")

	assert.True(t, s.ShouldTerminate())
	last := handle.last()
	require.NotNil(t, last)
	assert.Equal(t, frame.CmdError, last.Command)
	assert.Equal(t, "Login Failed", last.HeaderValue("message"))
	assert.Equal(t, 0, fx.hub.Len())
	assert.Empty(t, fx.store.Logins())
}

func TestConnectCorrectPasscode(t *testing.T) {
	fx := newFixture()
	require.NoError(t, fx.store.SaveCredential("meni", "films"))
	s, handle := fx.newSession()

	connect(s, "meni", "films")

	assert.False(t, s.ShouldTerminate())
	assert.Equal(t, frame.CmdConnected, handle.last().Command)
	assert.Equal(t, "meni", s.Username())
}

func TestConnectMissingCredentials(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()

	s.Process(frame.New(frame.CmdConnect, "", "accept-version", "1.2", "login", "meni"))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Authentication Failed", handle.last().HeaderValue("message"))
}

func TestConnectUnsupportedVersion(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()

	s.Process(frame.New(frame.CmdConnect, "",
		"accept-version", "1.0,1.1",
		"login", "meni",
		"passcode", "films",
	))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Version not supported", handle.last().HeaderValue("message"))
}

func TestConnectTwiceFails(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()

	connect(s, "meni", "films")
	connect(s, "meni", "films")

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Already Connected", handle.last().HeaderValue("message"))
}

func TestCommandBeforeConnect(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()

	s.Process(frame.New(frame.CmdSend, "hi", "destination", "news"))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Not connected", handle.last().HeaderValue("message"))
}

func TestUnknownCommand(t *testing.T) {
	fx := newFixture()

	for _, command := range []string{"NACK", ""} {
		s, handle := fx.newSession()
		connect(s, "meni", "films")

		s.Process(frame.New(command, ""))

		assert.True(t, s.ShouldTerminate())
		assert.Equal(t, "Unknown Command", handle.last().HeaderValue("message"))
	}
}

func TestSubscribeAndReceipt(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()
	connect(s, "meni", "films")

	// no receipt header, no reply
	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))
	assert.Len(t, handle.received(), 1) // CONNECTED only

	// receipt requested
	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "sport", "id", "2", "receipt", "r-9"))
	last := handle.last()
	assert.Equal(t, frame.CmdReceipt, last.Command)
	assert.Equal(t, "r-9", last.HeaderValue("receipt-id"))

	assert.Equal(t, 1, fx.hub.Subscribers("news"))
	assert.Equal(t, 1, fx.hub.Subscribers("sport"))
}

func TestSubscribeMissingHeaders(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()
	connect(s, "meni", "films")

	s.Process(frame.New(frame.CmdSubscribe, "", "id", "1"))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Malformed Frame", handle.last().HeaderValue("message"))
	assert.Equal(t, 0, fx.hub.Len())
}

func TestDuplicateSubscriptionID(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()
	connect(s, "meni", "films")

	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))
	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "sport", "id", "1"))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Subscriber Error", handle.last().HeaderValue("message"))
	// the failed subscribe must not have registered, and the ERROR must have
	// swept the first one
	assert.Zero(t, fx.hub.Subscribers("sport"))
	assert.Zero(t, fx.hub.Subscribers("news"))
}

func TestSubscriptionIDScopedPerConnection(t *testing.T) {
	fx := newFixture()
	a, _ := fx.newSession()
	b, _ := fx.newSession()
	connect(a, "alice", "pa")
	connect(b, "bob", "pb")

	a.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))
	b.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))

	assert.False(t, a.ShouldTerminate())
	assert.False(t, b.ShouldTerminate())
	assert.Equal(t, 2, fx.hub.Subscribers("news"))
}

func TestUnsubscribeUnknownID(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()
	connect(s, "meni", "films")

	s.Process(frame.New(frame.CmdUnsubscribe, "", "id", "1"))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Subscription Error", handle.last().HeaderValue("message"))
}

func TestSubscriptionIDReusableAfterUnsubscribe(t *testing.T) {
	fx := newFixture()
	s, _ := fx.newSession()
	connect(s, "meni", "films")

	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))
	s.Process(frame.New(frame.CmdUnsubscribe, "", "id", "1"))
	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "sport", "id", "1"))

	assert.False(t, s.ShouldTerminate())
	assert.Zero(t, fx.hub.Subscribers("news"))
	assert.Equal(t, 1, fx.hub.Subscribers("sport"))
}

func TestSendFansOutToSubscribers(t *testing.T) {
	fx := newFixture()
	sender, senderHandle := fx.newSession()
	receiver, receiverHandle := fx.newSession()
	connect(sender, "alice", "pa")
	connect(receiver, "bob", "pb")

	receiver.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))
	sender.Process(frame.New(frame.CmdSend, "hello", "destination", "news"))

	got := receiverHandle.received()
	require.Len(t, got, 2) // CONNECTED + MESSAGE
	msg := got[1]
	assert.Equal(t, frame.CmdMessage, msg.Command)
	assert.Equal(t, "news", msg.HeaderValue("destination"))
	assert.Equal(t, "hello", msg.Body)
	assert.NotEmpty(t, msg.HeaderValue("message-id"))
	assert.Equal(t, "0", msg.HeaderValue("subscription"))

	// sender is not subscribed and must not receive its own message
	assert.Len(t, senderHandle.received(), 1)
}

func TestSendMissingDestination(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()
	connect(s, "meni", "films")

	s.Process(frame.New(frame.CmdSend, "hello"))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, "Malformed Frame", handle.last().HeaderValue("message"))
}

func TestSendMessageIDsUnique(t *testing.T) {
	fx := newFixture()
	sender, _ := fx.newSession()
	receiver, receiverHandle := fx.newSession()
	connect(sender, "alice", "pa")
	connect(receiver, "bob", "pb")
	receiver.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))

	sender.Process(frame.New(frame.CmdSend, "one", "destination", "news"))
	sender.Process(frame.New(frame.CmdSend, "two", "destination", "news"))

	got := receiverHandle.received()
	require.Len(t, got, 3)
	assert.NotEqual(t, got[1].HeaderValue("message-id"), got[2].HeaderValue("message-id"))
}

func TestSendRecordsUpload(t *testing.T) {
	fx := newFixture()
	s, _ := fx.newSession()
	connect(s, "meni", "films")

	s.Process(frame.New(frame.CmdSend, "payload",
		"destination", "files",
		"file-name", "report.pdf",
	))

	assert.Eventually(t, func() bool {
		fxUploads := fx.store.Uploads()
		return len(fxUploads) == 1 && fxUploads[0] == "meni:report.pdf"
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectCleansUp(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()
	connect(s, "meni", "films")
	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))
	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "sport", "id", "2"))

	s.Process(frame.New(frame.CmdDisconnect, "", "receipt", "bye-1"))

	assert.True(t, s.ShouldTerminate())
	assert.Equal(t, frame.CmdReceipt, handle.last().Command)
	assert.Equal(t, "bye-1", handle.last().HeaderValue("receipt-id"))
	assert.Zero(t, fx.hub.Subscribers("news"))
	assert.Zero(t, fx.hub.Subscribers("sport"))
	assert.Equal(t, 0, fx.hub.Len())
	assert.Equal(t, []string{"meni"}, fx.store.Logouts())
}

func TestErrorTerminationSweepsSubscriptions(t *testing.T) {
	fx := newFixture()
	s, _ := fx.newSession()
	connect(s, "meni", "films")
	s.Process(frame.New(frame.CmdSubscribe, "", "destination", "news", "id", "1"))

	s.Process(frame.New(frame.CmdUnsubscribe, "", "id", "77")) // protocol error

	assert.True(t, s.ShouldTerminate())
	assert.Zero(t, fx.hub.Subscribers("news"))
	assert.Equal(t, 0, fx.hub.Len())
}

func TestFramesIgnoredAfterTermination(t *testing.T) {
	fx := newFixture()
	s, handle := fx.newSession()

	s.Process(frame.New(frame.CmdSend, "x", "destination", "news")) // Not connected
	before := len(handle.received())
	s.Process(frame.New(frame.CmdConnect, "", "login", "a", "passcode", "b"))

	assert.Len(t, handle.received(), before)
}

func TestTerminationVisibleWhenErrorFrameEnqueued(t *testing.T) {
	fx := newFixture()
	fx.nextID++
	handle := &terminationObservingHandle{}
	s := New(fx.nextID, fx.hub, fx.store)
	handle.sess = s
	fx.hub.Add(fx.nextID, handle)

	s.Process(frame.New(frame.CmdSend, "x", "destination", "news")) // Not connected

	require.True(t, s.ShouldTerminate())
	require.Len(t, handle.terminatedAtEnqueue, 1)
	assert.True(t, handle.terminatedAtEnqueue[0], "terminate flag lagged behind the ERROR frame")
}

func TestTerminationVisibleWhenDisconnectReceiptEnqueued(t *testing.T) {
	fx := newFixture()
	fx.nextID++
	handle := &terminationObservingHandle{}
	s := New(fx.nextID, fx.hub, fx.store)
	handle.sess = s
	fx.hub.Add(fx.nextID, handle)

	connect(s, "meni", "films")
	s.Process(frame.New(frame.CmdDisconnect, "", "receipt", "bye"))

	require.True(t, s.ShouldTerminate())
	// CONNECTED then RECEIPT; the receipt must go out with the flag set
	require.Len(t, handle.terminatedAtEnqueue, 2)
	assert.False(t, handle.terminatedAtEnqueue[0])
	assert.True(t, handle.terminatedAtEnqueue[1], "terminate flag lagged behind the RECEIPT frame")
}

func TestStoreOutageAdmitsLogin(t *testing.T) {
	h := hub.New()
	handle := &recordingHandle{}
	h.Add(1, handle)
	s := New(1, h, failingStore{})

	connect(s, "meni", "films")

	assert.False(t, s.ShouldTerminate())
	assert.Equal(t, frame.CmdConnected, handle.last().Command)
}
