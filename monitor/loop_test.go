package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tango_bot/broker"
	"tango_bot/config"
	"tango_bot/investment"
	"tango_bot/journal"
	"tango_bot/position"
	"tango_bot/profit"
	"tango_bot/risk"
	"tango_bot/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const symbol = "XAUUSD"

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memJournal) Record(e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJournal) byStatus(status string) []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []journal.Entry
	for _, e := range m.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(text string) { m.Called(text) }

type fixture struct {
	loop       *Loop
	sim        *broker.SimClient
	store      *position.Store
	journal    *memJournal
	accountant *profit.Accountant
	state      *state.StateManager
}

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Symbol = symbol
	cfg.MagicNumber = 234000
	cfg.LotSize = 0.1
	cfg.Strategy = "tango"
	cfg.Tango.PointValue = 0.01
	cfg.Tango.ContractSize = 100
	cfg.Normal = &config.NormalConfig{
		HTTPTimeoutSeconds:       5,
		MonitorIntervalSeconds:   1,
		ActionTimeoutSeconds:     5,
		StaleQuoteSeconds:        30,
		HeartbeatIntervalMinutes: 5,
		LogDirectory:             "logs",
		StateDirectory:           "state",
	}
	return cfg
}

// filledButLostClient fills the next failOpens opens on the broker but reports them as a lost connection.
type filledButLostClient struct {
	*broker.SimClient
	failOpens int
}

func (c *filledButLostClient) OpenPosition(ctx context.Context, req broker.OpenRequest) (int64, error) {
	ticket, err := c.SimClient.OpenPosition(ctx, req)
	if err != nil || c.failOpens == 0 {
		return ticket, err
	}
	c.failOpens--
	return 0, fmt.Errorf("%w: request timed out", broker.ErrConnectionLost)
}

func newFixture(t *testing.T, cfg *config.Config, notifier Notifier, exposure *investment.Manager) *fixture {
	t.Helper()
	return newFixtureWithClient(t, cfg, notifier, exposure, nil)
}

// newFixtureWithClient wires the loop to wrap(sim) when wrap is not nil.
func newFixtureWithClient(t *testing.T, cfg *config.Config, notifier Notifier, exposure *investment.Manager, wrap func(*broker.SimClient) broker.Client) *fixture {
	t.Helper()
	sim := broker.NewSimClient(cfg.Tango.ContractSize)
	sim.SetMid(symbol, 2000)
	var client broker.Client = sim
	if wrap != nil {
		client = wrap(sim)
	}
	sm, err := state.NewStateManager(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	store := position.NewStore(client, cfg.Symbol, cfg.MagicNumber, sm)
	eval, err := profit.NewEvaluator(cfg.Tango.ContractSize, cfg.Tango.PointValue)
	require.NoError(t, err)
	manager, err := risk.NewManager(cfg, eval)
	require.NoError(t, err)
	j := &memJournal{}
	acc := profit.NewAccountant()
	loop := New(cfg, Deps{
		Client:     client,
		Store:      store,
		Manager:    manager,
		Evaluator:  eval,
		Accountant: acc,
		Exposure:   exposure,
		State:      sm,
		Journal:    j,
		Notifier:   notifier,
	})
	return &fixture{loop: loop, sim: sim, store: store, journal: j, accountant: acc, state: sm}
}

func (f *fixture) openInitial(t *testing.T, dir broker.Direction) int64 {
	t.Helper()
	ticket, err := f.loop.OpenInitial(context.Background(), dir)
	require.NoError(t, err)
	return ticket
}

func (f *fixture) cycle(t *testing.T) CycleReport {
	t.Helper()
	r := f.loop.RunCycle(context.Background())
	require.NoError(t, r.Err)
	return r
}

func (f *fixture) hedgesOf(origin int64) []position.Tracked {
	var out []position.Tracked
	for _, p := range f.store.Snapshot() {
		if p.Tag.Role == position.RoleHedge && p.Tag.OriginTicket == origin && p.Stage != position.StageClosed {
			out = append(out, p)
		}
	}
	return out
}

func statuses(outcomes []Outcome) []string {
	out := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.Action.Kind()+":"+o.Status)
	}
	return out
}

func TestScenario_HedgeBreakevenTrailAndClose(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	origin := f.openInitial(t, broker.Buy)

	f.sim.SetMid(symbol, 1999)
	f.cycle(t)

	hedges := f.hedgesOf(origin)
	require.Len(t, hedges, 2)
	for _, h := range hedges {
		assert.Equal(t, broker.Sell, h.Direction)
		assert.Equal(t, 0.1, h.Volume)
		assert.Equal(t, 1999.0, h.EntryPrice)
		assert.Zero(t, h.StopLoss)
		assert.Zero(t, h.TakeProfit)
	}
	o, _ := f.store.Get(origin)
	assert.Equal(t, position.StageHedgeTriggered, o.Stage)
	assert.Equal(t, 2, o.HedgesOpened)

	// Still losing: the trigger never fires again.
	f.cycle(t)
	opens, _, _ := f.sim.CallCounts()
	assert.Equal(t, 3, opens)

	f.sim.SetMid(symbol, 1997)
	f.cycle(t)
	for _, h := range f.hedgesOf(origin) {
		assert.Equal(t, 1999.0, h.StopLoss)
		assert.Equal(t, position.StageBreakevenSet, h.Stage)
	}

	f.sim.SetMid(symbol, 1995)
	f.cycle(t)
	for _, h := range f.hedgesOf(origin) {
		assert.Equal(t, 1997.0, h.StopLoss)
		assert.Equal(t, position.StageTrailing, h.Stage)
	}

	// Retrace through the trailed stop: the broker closes both hedges.
	f.sim.SetMid(symbol, 1997.5)
	r := f.cycle(t)
	assert.Len(t, r.Closed, 2)
	assert.Equal(t, 1, f.store.OpenCount())
	assert.InDelta(t, 40.0, f.accountant.GetRealizedPNL(), 1e-9)
	assert.InDelta(t, 40.0, f.state.GetFullState().RealizedProfit, 1e-9)

	// The group has free slots again but a closed hedge is never reopened.
	f.cycle(t)
	opens, _, _ = f.sim.CallCounts()
	assert.Equal(t, 3, opens)
}

func TestStaleQuote_NoActionsDispatched(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	origin := f.openInitial(t, broker.Buy)

	f.sim.SetMid(symbol, 1990)
	f.sim.SetQuoteTime(symbol, time.Now().Add(-time.Minute))
	r := f.loop.RunCycle(context.Background())
	assert.ErrorIs(t, r.Err, risk.ErrStaleData)
	assert.Empty(t, r.Outcomes)

	o, _ := f.store.Get(origin)
	assert.Equal(t, position.StageNew, o.Stage, "no transition on stale data")
	opens, _, _ := f.sim.CallCounts()
	assert.Equal(t, 1, opens)
	assert.Len(t, f.journal.byStatus(journal.StatusSkipped), 1)

	f.sim.SetMid(symbol, 1990)
	f.cycle(t)
	assert.Len(t, f.hedgesOf(origin), 2)
}

func TestModifyFailure_RetriedNextCycle(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.sim.SetMid(symbol, 1999)
	f.openInitial(t, broker.Sell)

	f.sim.SetMid(symbol, 1997)
	f.sim.InjectModifyFailures(fmt.Errorf("%w: invalid stops", broker.ErrOrderRejected))
	r := f.cycle(t)
	assert.Equal(t, []string{"advance_stage:applied", "set_stop_loss:failed"}, statuses(r.Outcomes))

	p := f.store.Snapshot()[0]
	assert.Equal(t, position.StageMonitoring, p.Stage, "stage not advanced on failure")
	assert.Zero(t, p.StopLoss)
	require.Len(t, f.journal.byStatus(journal.StatusFailed), 1)
	assert.Contains(t, f.journal.byStatus(journal.StatusFailed)[0].Error, "invalid stops")

	r = f.cycle(t)
	assert.Equal(t, []string{"set_stop_loss:applied"}, statuses(r.Outcomes))
	p = f.store.Snapshot()[0]
	assert.Equal(t, 1999.0, p.StopLoss)
	assert.Equal(t, position.StageBreakevenSet, p.Stage)
}

func TestPartialHedgeFill_KeepsFilledAndRetriesMissing(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	origin := f.openInitial(t, broker.Buy)

	f.sim.SetMid(symbol, 1999)
	f.sim.InjectOpenFailures(nil, fmt.Errorf("%w: not enough money", broker.ErrOrderRejected))
	r := f.cycle(t)
	assert.Equal(t, []string{"advance_stage:applied", "open_hedge:applied", "open_hedge:failed"}, statuses(r.Outcomes))

	o, _ := f.store.Get(origin)
	assert.Equal(t, position.StageHedgeTriggered, o.Stage)
	assert.Equal(t, 1, o.HedgesOpened)
	assert.Equal(t, 2, o.HedgeTarget)
	require.Len(t, f.hedgesOf(origin), 1)

	// The price recovered a little; the missing hedge is still placed.
	f.sim.SetMid(symbol, 1999.5)
	f.cycle(t)
	hedges := f.hedgesOf(origin)
	require.Len(t, hedges, 2)
	assert.Equal(t, position.HedgeComment(origin, 2), hedges[1].Comment)

	f.cycle(t)
	assert.Len(t, f.hedgesOf(origin), 2)
	assert.LessOrEqual(t, f.store.GroupSize(origin), 3)
}

func TestConnectionLostMidBatch_SuspendsDispatch(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	origin := f.openInitial(t, broker.Buy)

	f.sim.SetMid(symbol, 1999)
	f.sim.InjectOpenFailures(fmt.Errorf("%w: timeout", broker.ErrConnectionLost))
	r := f.cycle(t)
	assert.Equal(t, []string{"advance_stage:applied", "open_hedge:failed", "open_hedge:skipped"}, statuses(r.Outcomes))
	opens, _, _ := f.sim.CallCounts()
	assert.Equal(t, 2, opens, "second hedge never sent")

	o, _ := f.store.Get(origin)
	assert.Equal(t, position.StageMonitoring, o.Stage)
	assert.Zero(t, o.HedgesOpened)

	f.cycle(t)
	assert.Len(t, f.hedgesOf(origin), 2)
}

func TestHedgeFilledBehindLostConnection_MissingSlotStillPlaced(t *testing.T) {
	lossy := &filledButLostClient{}
	f := newFixtureWithClient(t, testConfig(), nil, nil, func(sim *broker.SimClient) broker.Client {
		lossy.SimClient = sim
		return lossy
	})
	origin := f.openInitial(t, broker.Buy)

	f.sim.SetMid(symbol, 1999)
	lossy.failOpens = 1
	r := f.cycle(t)
	assert.Equal(t, []string{"advance_stage:applied", "open_hedge:failed", "open_hedge:skipped"}, statuses(r.Outcomes))
	o, _ := f.store.Get(origin)
	assert.Equal(t, 2, o.HedgeTarget, "target recorded before the first send")
	assert.Zero(t, o.HedgesOpened)

	// The next sync finds the hedge that filled; only the second slot is opened.
	f.cycle(t)
	hedges := f.hedgesOf(origin)
	require.Len(t, hedges, 2)
	assert.Equal(t, position.HedgeComment(origin, 1), hedges[0].Comment)
	assert.Equal(t, position.HedgeComment(origin, 2), hedges[1].Comment)
	o, _ = f.store.Get(origin)
	assert.Equal(t, position.StageHedgeTriggered, o.Stage)
	assert.Equal(t, 2, o.HedgesOpened)
	assert.Equal(t, 2, o.HedgeTarget)

	for i := 0; i < 3; i++ {
		f.cycle(t)
	}
	opens, _, _ := f.sim.CallCounts()
	assert.Equal(t, 3, opens, "no slot opened twice")
	assert.Equal(t, 3, f.store.GroupSize(origin))
}

func TestConnectionLostMidBatch_SkipsLocalStageChangesToo(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	origin := f.openInitial(t, broker.Buy)
	f.sim.SetMid(symbol, 1999)
	f.cycle(t)
	require.Len(t, f.hedgesOf(origin), 2)

	// The hedges are NEW and at breakeven: each gets an advance and a stop.
	f.sim.SetMid(symbol, 1997)
	f.sim.InjectModifyFailures(fmt.Errorf("%w: timeout", broker.ErrConnectionLost))
	r := f.cycle(t)
	assert.Equal(t, []string{
		"advance_stage:applied", "set_stop_loss:failed",
		"advance_stage:skipped", "set_stop_loss:skipped",
	}, statuses(r.Outcomes))
	hedges := f.hedgesOf(origin)
	assert.Equal(t, position.StageMonitoring, hedges[0].Stage)
	assert.Equal(t, position.StageNew, hedges[1].Stage, "no transition after the connection dropped")
}

func TestOpenInitial_RefusesStaleQuote(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.sim.SetQuoteTime(symbol, time.Now().Add(-time.Minute))

	_, err := f.loop.OpenInitial(context.Background(), broker.Buy)
	assert.ErrorIs(t, err, risk.ErrStaleData)
	opens, _, _ := f.sim.CallCounts()
	assert.Zero(t, opens)
	assert.Zero(t, f.store.OpenCount())
	assert.Len(t, f.journal.byStatus(journal.StatusSuppressed), 1)
}

func TestAcceptCommands_QueuesUntilRunStarts(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.loop.AcceptCommands()

	opened := make(chan error, 1)
	go func() {
		_, err := f.loop.OpenInitial(context.Background(), broker.Buy)
		opened <- err
	}()
	assert.Never(t, func() bool { return len(opened) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	opens, _, _ := f.sim.CallCounts()
	assert.Zero(t, opens, "command not run outside the loop goroutine")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		f.loop.Run(stop)
		close(done)
	}()
	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued command never ran")
	}
	close(stop)
	<-done
	assert.Equal(t, 1, f.store.OpenCount())
}

func TestConnectionLost_ReportedOnceAndRestored(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", mock.Anything).Return()
	f := newFixture(t, testConfig(), n, nil)
	f.openInitial(t, broker.Buy)

	f.sim.SetConnectionDown(true)
	for i := 0; i < 3; i++ {
		r := f.loop.RunCycle(context.Background())
		assert.ErrorIs(t, r.Err, broker.ErrConnectionLost)
	}
	f.sim.SetConnectionDown(false)
	f.cycle(t)

	lost, restored := 0, 0
	for _, c := range n.Calls {
		text := c.Arguments.String(0)
		if strings.Contains(text, "connection lost") {
			lost++
		}
		if strings.Contains(text, "restored") {
			restored++
		}
	}
	assert.Equal(t, 1, lost)
	assert.Equal(t, 1, restored)
}

func TestOpenInitial_RespectsPositionCap(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	for i := 0; i < 3; i++ {
		f.openInitial(t, broker.Buy)
	}
	_, err := f.loop.OpenInitial(context.Background(), broker.Sell)
	assert.ErrorIs(t, err, ErrPositionCap)
	assert.Equal(t, 3, f.store.OpenCount())
}

func TestOpenInitial_RespectsExposureLimit(t *testing.T) {
	f := newFixture(t, testConfig(), nil, investment.NewManager(0.2))
	f.openInitial(t, broker.Buy)
	f.openInitial(t, broker.Buy)
	_, err := f.loop.OpenInitial(context.Background(), broker.Buy)
	assert.ErrorIs(t, err, investment.ErrExposureLimit)
	assert.Len(t, f.journal.byStatus(journal.StatusSuppressed), 1)
}

func TestCloseAllAndStatus(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)
	f.openInitial(t, broker.Buy)
	f.openInitial(t, broker.Sell)

	f.sim.SetMid(symbol, 1999)
	s, err := f.loop.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.Count)
	assert.Equal(t, 1, s.Winning)
	assert.Equal(t, 1, s.Losing)
	assert.InDelta(t, 0.0, s.TotalProfit, 1e-9)
	assert.Equal(t, 1999.0, s.Bid)
	require.Len(t, s.Positions, 2)
	assert.Equal(t, string(position.RoleOriginal), s.Positions[0].Role)

	n, err := f.loop.CloseAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, f.store.OpenCount())
	assert.Equal(t, 2, f.accountant.GetSummary().ClosedCount)

	s, err = f.loop.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.Count)
}

func TestRun_CommandsQueuedThroughLoopAndCloseOnStop(t *testing.T) {
	cfg := testConfig()
	cfg.CloseAllOnStop = true
	f := newFixture(t, cfg, nil, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		f.loop.Run(stop)
		close(done)
	}()
	require.Eventually(t, f.loop.running.Load, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.loop.OpenInitial(ctx, broker.Buy)
	require.NoError(t, err)
	s, err := f.loop.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Count)

	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	positions, err := f.sim.ListOpenPositions(context.Background(), symbol, cfg.MagicNumber)
	require.NoError(t, err)
	assert.Empty(t, positions)
}
