package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/karenhq/karen/api/schemas"
	"github.com/karenhq/karen/internal/adapters"
	"github.com/karenhq/karen/internal/config"
	"github.com/karenhq/karen/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedLLM replays a queue of responses and records every request it saw.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	requests  []schemas.GenerationRequest
}

func (s *scriptedLLM) Generate(_ context.Context, req schemas.GenerationRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "{}", nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) lastRequest() schemas.GenerationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

// fakeAdapter stands in for a site adapter without any browser.
type fakeAdapter struct {
	sessionID     string
	envelope      schemas.Envelope
	screenshotErr error
	screenshots   []string
	closed        bool
}

func (f *fakeAdapter) Service() string { return "fake" }

func (f *fakeAdapter) SessionID() string {
	if f.sessionID == "" {
		return "sess-1"
	}
	return f.sessionID
}

func (f *fakeAdapter) HandleCustomerIssue(_ context.Context, _ string) schemas.Envelope {
	return f.envelope
}

func (f *fakeAdapter) SearchForIssue(_ context.Context, _ string) schemas.Envelope {
	return schemas.Envelope{Success: true, Action: "search"}
}

func (f *fakeAdapter) StartLiveChat(_ context.Context, _ string) schemas.Envelope {
	return schemas.Envelope{Success: true, Action: "chat"}
}

func (f *fakeAdapter) SendEmailSupport(_ context.Context, _, _ string) schemas.Envelope {
	return schemas.Envelope{Success: true, Action: "email"}
}

func (f *fakeAdapter) Screenshot(_ context.Context, name string) (string, error) {
	if f.screenshotErr != nil {
		return "", f.screenshotErr
	}
	path := "/tmp/" + name + ".png"
	f.screenshots = append(f.screenshots, path)
	return path, nil
}

func (f *fakeAdapter) Close(_ context.Context) error {
	f.closed = true
	return nil
}

// fakeRegistry mirrors the real registry's contract: one adapter per
// conversation, released on demand. Pre-seeded adapters are handed out in
// order; further conversations get plain successful ones.
type fakeRegistry struct {
	mu       sync.Mutex
	pending  []*fakeAdapter
	adapters map[string]*fakeAdapter
	released []string
}

func newFakeRegistry(pending ...*fakeAdapter) *fakeRegistry {
	return &fakeRegistry{pending: pending, adapters: make(map[string]*fakeAdapter)}
}

func (r *fakeRegistry) Get(_, conversationID string) adapters.SiteAdapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[conversationID]; ok {
		return a
	}
	var a *fakeAdapter
	if len(r.pending) > 0 {
		a = r.pending[0]
		r.pending = r.pending[1:]
	} else {
		a = &fakeAdapter{envelope: schemas.Envelope{Success: true, Message: "Opened the help center."}}
	}
	if a.sessionID == "" {
		a.sessionID = "sess-" + conversationID
	}
	r.adapters[conversationID] = a
	return a
}

func (r *fakeRegistry) Release(_ context.Context, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[conversationID]; ok {
		a.closed = true
		delete(r.adapters, conversationID)
	}
	r.released = append(r.released, conversationID)
}

func (r *fakeRegistry) ServiceURL(service string) string {
	if service == "amazon" {
		return "https://www.amazon.com/gp/help/customer/display.html"
	}
	return "https://www.example.com"
}

// flakyRepo simulates a database outage.
type flakyRepo struct {
	inner   *store.MemoryStore
	failing bool
}

func (r *flakyRepo) Save(ctx context.Context, conv *schemas.Conversation) error {
	if r.failing {
		return errors.New("connection refused")
	}
	return r.inner.Save(ctx, conv)
}

func (r *flakyRepo) Get(ctx context.Context, id string) (*schemas.Conversation, error) {
	if r.failing {
		return nil, errors.New("connection refused")
	}
	return r.inner.Get(ctx, id)
}

func (r *flakyRepo) ListByUser(ctx context.Context, userID string) ([]schemas.ConversationSummary, error) {
	return r.inner.ListByUser(ctx, userID)
}

func (r *flakyRepo) Delete(ctx context.Context, id string) error { return r.inner.Delete(ctx, id) }
func (r *flakyRepo) Ping(_ context.Context) error                { return nil }

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testConfig() config.AutomationConfig {
	return config.AutomationConfig{MaxSteps: 3, FollowUpContext: 5}
}

func newTestManager(t *testing.T, llm schemas.LLMClient, registry AdapterRegistry) *Manager {
	t.Helper()
	if registry == nil {
		registry = newFakeRegistry()
	}
	m := NewManager(store.NewMemory(zap.NewNop()), llm, registry, testConfig(), zap.NewNop())
	m.clock = &stubClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	return m
}

func sendText(t *testing.T, m *Manager, id, text string) schemas.Reply {
	t.Helper()
	return m.ProcessMessage(context.Background(), id, schemas.IncomingMessage{Text: text})
}

func TestInitializeCreatesFreshConversation(t *testing.T) {
	m := newTestManager(t, &scriptedLLM{}, nil)

	conv, err := m.Initialize(context.Background(), "user-1")
	require.NoError(t, err)

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, schemas.StateInitial, conv.State)
	assert.Empty(t, conv.Messages)
	assert.EqualValues(t, 1, conv.Version)
	assert.False(t, conv.Metadata.StartTime.IsZero())
}

func TestEveryTurnAppendsExactlyTwoMessages(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund request", "service": "amazon", "keyDetails": {}}`,
		`not json at all`,
	}}
	m := newTestManager(t, llm, nil)
	conv, err := m.Initialize(context.Background(), "user-1")
	require.NoError(t, err)

	sendText(t, m, conv.ID, "I want a refund from Amazon")
	history, err := m.History(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// The second turn's extraction output is garbage; the message count rule
	// holds on the degraded path too.
	sendText(t, m, conv.ID, "order something something")
	history, err = m.History(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
	assert.Equal(t, schemas.RoleUser, history[2].Role)
	assert.Equal(t, schemas.RoleAssistant, history[3].Role)
}

func TestRefundScenarioChainsToAutomatingInOneTurn(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund for damaged item", "service": "amazon", "keyDetails": {}}`,
		`{"orderNumber": "12345", "reason": "damaged", "hasEnoughInfo": true}`,
		"1. Open the Amazon help center\n2. Start a return\n3. Request the refund",
	}}
	m := newTestManager(t, llm, nil)
	conv, err := m.Initialize(context.Background(), "user-1")
	require.NoError(t, err)

	reply := sendText(t, m, conv.ID, "I want a refund from Amazon")
	assert.Equal(t, schemas.StateGatheringInfo, reply.State)

	reply = sendText(t, m, conv.ID, "Order 12345, it arrived damaged")
	assert.False(t, reply.Error)
	assert.Equal(t, schemas.StateAutomating, reply.State)

	md, state, err := m.Metadata(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateAutomating, state)
	assert.Equal(t, "12345", md.ExtractedInfo.OrderNumber)
	assert.Equal(t, "damaged", md.ExtractedInfo.Reason)
	assert.NotEmpty(t, md.AutomationPlan)
	assert.Contains(t, md.ServiceURL, "amazon.com")

	// hasEnoughInfo short-circuited the sufficiency question: exactly three
	// model calls happened (classify, extract, plan).
	assert.Equal(t, 3, llm.callCount())
}

func TestControlFlagsNeverLeakIntoFacts(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund", "service": "amazon", "keyDetails": {}}`,
		`{"orderNumber": "12345", "hasEnoughInfo": true}`,
		"1. Do the thing",
	}}
	m := newTestManager(t, llm, nil)
	conv, _ := m.Initialize(context.Background(), "user-1")

	sendText(t, m, conv.ID, "refund please")
	sendText(t, m, conv.ID, "order 12345")

	md, _, err := m.Metadata(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.NotContains(t, md.ExtractedInfo.Additional, "hasEnoughInfo")
}

func TestFactsAccumulateAcrossTurns(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"issue": "billing dispute", "service": "paypal", "keyDetails": {"amount": "50.00"}}`,
		`{"orderDate": "2026-04-12"}`,
		`{"sufficient": false, "missing": ["transaction id"]}`,
		`{"additional": {"transactionId": "TX-9"}}`,
		`{"sufficient": false, "missing": ["email"]}`,
	}}
	m := newTestManager(t, llm, nil)
	conv, _ := m.Initialize(context.Background(), "user-1")

	sendText(t, m, conv.ID, "PayPal charged me $50 twice")
	sendText(t, m, conv.ID, "it happened on April 12th")
	reply := sendText(t, m, conv.ID, "the transaction id is TX-9")
	assert.Contains(t, reply.Text, "email")

	md, state, err := m.Metadata(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateGatheringInfo, state)
	assert.Equal(t, "50.00", md.ExtractedInfo.Amount)
	assert.Equal(t, "2026-04-12", md.ExtractedInfo.OrderDate)
	assert.Equal(t, "TX-9", md.ExtractedInfo.Additional["transactionId"])
}

func TestUndecodableExtractionKeepsRawNotes(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"the customer seems upset about a delivery",
	}}
	m := newTestManager(t, llm, nil)
	conv, _ := m.Initialize(context.Background(), "user-1")

	reply := sendText(t, m, conv.ID, "my package never arrived")
	assert.False(t, reply.Error)
	assert.Equal(t, schemas.StateGatheringInfo, reply.State)

	md, _, err := m.Metadata(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Contains(t, md.ExtractedInfo.Notes, "upset about a delivery")
}

func TestUnknownConversationYieldsErrorReply(t *testing.T) {
	m := newTestManager(t, &scriptedLLM{}, nil)

	reply := sendText(t, m, "no-such-id", "hello?")
	assert.True(t, reply.Error)
	assert.Contains(t, reply.Text, "couldn't find")
}

func TestFullLifecycleThroughCompletion(t *testing.T) {
	adapter := &fakeAdapter{envelope: schemas.Envelope{
		Success:       true,
		Message:       "Opened the help center and searched for the issue.",
		ScreenshotURL: "/tmp/search_results.png",
	}}
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund", "service": "amazon", "keyDetails": {}}`,
		`{"orderNumber": "12345", "reason": "damaged", "hasEnoughInfo": true}`,
		"1. Search\n2. Chat\n3. Confirm",
	}}
	m := newTestManager(t, llm, newFakeRegistry(adapter))
	conv, _ := m.Initialize(context.Background(), "user-1")

	sendText(t, m, conv.ID, "I want a refund from Amazon")
	sendText(t, m, conv.ID, "Order 12345, arrived damaged")

	// First AUTOMATING turn bootstraps the browser session; the step counter
	// does not move yet.
	reply := sendText(t, m, conv.ID, "how is it going?")
	assert.Equal(t, schemas.StateAutomating, reply.State)
	md, _, _ := m.Metadata(context.Background(), conv.ID)
	assert.Equal(t, 0, md.CurrentStep)
	assert.Len(t, md.Screenshots, 1)

	for step := 1; step < 3; step++ {
		reply = sendText(t, m, conv.ID, "and now?")
		assert.Equal(t, schemas.StateAutomating, reply.State)
		md, _, _ = m.Metadata(context.Background(), conv.ID)
		assert.Equal(t, step, md.CurrentStep)
	}

	reply = sendText(t, m, conv.ID, "done yet?")
	assert.Equal(t, schemas.StateCompleted, reply.State)
	assert.True(t, adapter.closed)

	md, state, _ := m.Metadata(context.Background(), conv.ID)
	assert.Equal(t, schemas.StateCompleted, state)
	assert.Equal(t, 3, md.CurrentStep)
	require.NotNil(t, md.CompletionTime)
	assert.Len(t, md.Screenshots, 4)

	completedAt := *md.CompletionTime

	// Follow-up turns never change state or the completion timestamp.
	llm.mu.Lock()
	llm.responses = []string{"The refund request was submitted through the help center."}
	llm.mu.Unlock()
	reply = sendText(t, m, conv.ID, "what did you do exactly?")
	assert.False(t, reply.Error)
	assert.Equal(t, schemas.StateCompleted, reply.State)

	md, _, _ = m.Metadata(context.Background(), conv.ID)
	assert.Equal(t, completedAt, *md.CompletionTime)
}

func TestFollowUpSeesOnlyTrailingContext(t *testing.T) {
	adapter := &fakeAdapter{envelope: schemas.Envelope{Success: true, Message: "ok"}}
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund", "service": "amazon", "keyDetails": {}}`,
		`{"hasEnoughInfo": true}`,
		"1. Plan",
	}}
	m := newTestManager(t, llm, newFakeRegistry(adapter))
	conv, _ := m.Initialize(context.Background(), "user-1")

	sendText(t, m, conv.ID, "refund please")
	sendText(t, m, conv.ID, "order 12345")
	sendText(t, m, conv.ID, "go")
	for i := 0; i < 3; i++ {
		sendText(t, m, conv.ID, "progress?")
	}

	_, state, _ := m.Metadata(context.Background(), conv.ID)
	require.Equal(t, schemas.StateCompleted, state)

	sendText(t, m, conv.ID, "summarize what happened")
	req := llm.lastRequest()
	assert.Len(t, req.Messages, 5)
	assert.Equal(t, schemas.TierPowerful, req.Tier)
	assert.Equal(t, "summarize what happened", req.Messages[len(req.Messages)-1].Content)
}

func TestModelFailureMovesToErrorButConversationSurvives(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("model overloaded")}
	m := newTestManager(t, llm, nil)
	conv, _ := m.Initialize(context.Background(), "user-1")

	reply := sendText(t, m, conv.ID, "help me")
	assert.True(t, reply.Error)
	assert.Equal(t, schemas.StateError, reply.State)
	assert.Contains(t, reply.Text, "model overloaded")

	// The error state still answers follow-ups once the model recovers.
	llm.mu.Lock()
	llm.err = nil
	llm.responses = []string{"Something went wrong earlier; you can start over anytime."}
	llm.mu.Unlock()

	reply = sendText(t, m, conv.ID, "what happened?")
	assert.False(t, reply.Error)
	assert.Equal(t, schemas.StateError, reply.State)

	history, err := m.History(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestAutomationBootstrapFailureMovesToError(t *testing.T) {
	adapter := &fakeAdapter{envelope: schemas.Envelope{
		Error:         "help center unreachable",
		ScreenshotURL: "/tmp/failure.png",
	}}
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund", "service": "amazon", "keyDetails": {}}`,
		`{"hasEnoughInfo": true}`,
		"1. Plan",
	}}
	m := newTestManager(t, llm, newFakeRegistry(adapter))
	conv, _ := m.Initialize(context.Background(), "user-1")

	sendText(t, m, conv.ID, "refund please")
	sendText(t, m, conv.ID, "order 12345")

	reply := sendText(t, m, conv.ID, "go ahead")
	assert.True(t, reply.Error)
	assert.Equal(t, schemas.StateError, reply.State)

	// The diagnostic screenshot from the failed attempt is still recorded.
	md, _, _ := m.Metadata(context.Background(), conv.ID)
	assert.Contains(t, md.Screenshots, "/tmp/failure.png")
	assert.Contains(t, md.ErrorDetail, "help center unreachable")
}

func TestVersionIncrementsEveryTurn(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund", "service": "amazon", "keyDetails": {}}`,
		`not json`,
	}}
	repo := store.NewMemory(zap.NewNop())
	m := NewManager(repo, llm, newFakeRegistry(), testConfig(), zap.NewNop())
	m.clock = &stubClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}

	conv, _ := m.Initialize(context.Background(), "user-1")
	sendText(t, m, conv.ID, "refund please")
	sendText(t, m, conv.ID, "hmm")

	saved, err := repo.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, saved.Version)
}

func TestPersistenceFailureDegradesToMemory(t *testing.T) {
	repo := &flakyRepo{inner: store.NewMemory(zap.NewNop())}
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund", "service": "amazon", "keyDetails": {}}`,
		`{"orderNumber": "12345"}`,
		`{"sufficient": false, "missing": ["reason"]}`,
	}}
	m := NewManager(repo, llm, newFakeRegistry(), testConfig(), zap.NewNop())
	m.clock = &stubClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}

	conv, err := m.Initialize(context.Background(), "user-1")
	require.NoError(t, err)

	// The database goes away mid-conversation. Turns keep working against the
	// in-process fallback.
	repo.failing = true
	reply := sendText(t, m, conv.ID, "refund please")
	assert.False(t, reply.Error)

	reply = sendText(t, m, conv.ID, "order 12345")
	assert.False(t, reply.Error)

	md, state, err := m.Metadata(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateGatheringInfo, state)
	assert.Equal(t, "12345", md.ExtractedInfo.OrderNumber)
}

func TestListUserConversationsHonorsLimit(t *testing.T) {
	m := newTestManager(t, &scriptedLLM{}, nil)
	for i := 0; i < 4; i++ {
		_, err := m.Initialize(context.Background(), "user-1")
		require.NoError(t, err)
	}

	all, err := m.ListUserConversations(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	capped, err := m.ListUserConversations(context.Background(), "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestSameServiceConversationsRunIndependently(t *testing.T) {
	adapterA := &fakeAdapter{envelope: schemas.Envelope{Success: true, Message: "Opened the help center."}}
	adapterB := &fakeAdapter{envelope: schemas.Envelope{Success: true, Message: "Opened the help center."}}
	llm := &scriptedLLM{responses: []string{
		`{"issue": "refund", "service": "amazon", "keyDetails": {}}`,
		`{"orderNumber": "11111", "hasEnoughInfo": true}`,
		"1. Plan for the first customer",
		`{"issue": "late delivery", "service": "amazon", "keyDetails": {}}`,
		`{"orderNumber": "22222", "hasEnoughInfo": true}`,
		"1. Plan for the second customer",
	}}
	registry := newFakeRegistry(adapterA, adapterB)
	m := newTestManager(t, llm, registry)

	convA, _ := m.Initialize(context.Background(), "user-a")
	convB, _ := m.Initialize(context.Background(), "user-b")

	// Both conversations are about the same service, and each must get its
	// own browser session.
	sendText(t, m, convA.ID, "Amazon owes me a refund")
	sendText(t, m, convA.ID, "order 11111")
	sendText(t, m, convA.ID, "go")
	sendText(t, m, convB.ID, "my Amazon order is late")
	sendText(t, m, convB.ID, "order 22222")
	sendText(t, m, convB.ID, "go")

	assert.NotEqual(t, adapterA.SessionID(), adapterB.SessionID())

	// Drive the first conversation through completion.
	for i := 0; i < 3; i++ {
		sendText(t, m, convA.ID, "progress?")
	}
	_, state, err := m.Metadata(context.Background(), convA.ID)
	require.NoError(t, err)
	require.Equal(t, schemas.StateCompleted, state)
	assert.True(t, adapterA.closed)

	// The second conversation's session is untouched and keeps working.
	assert.False(t, adapterB.closed)
	reply := sendText(t, m, convB.ID, "progress?")
	assert.False(t, reply.Error)
	assert.Equal(t, schemas.StateAutomating, reply.State)
	assert.Equal(t, []string{convA.ID}, registry.released)
}

func TestTurnLocksDoNotAccumulate(t *testing.T) {
	m := newTestManager(t, &scriptedLLM{}, nil)
	for i := 0; i < 5; i++ {
		conv, err := m.Initialize(context.Background(), "user-1")
		require.NoError(t, err)
		sendText(t, m, conv.ID, "hello")
		sendText(t, m, conv.ID, "anything new?")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.locks, "idle conversations keep no lock entry")
}

func TestConcurrentTurnsOnDistinctConversations(t *testing.T) {
	llm := &scriptedLLM{}
	m := newTestManager(t, llm, nil)

	ids := make([]string, 8)
	for i := range ids {
		conv, err := m.Initialize(context.Background(), fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		ids[i] = conv.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sendText(t, m, id, "hello")
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		history, err := m.History(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, history, 2)
	}

	m.mu.Lock()
	assert.Empty(t, m.locks)
	m.mu.Unlock()
}
