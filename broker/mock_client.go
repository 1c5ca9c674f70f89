package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tango_bot/logs"
	"tango_bot/utils"
)

// simTickSize is the price grid of simulated quotes.
const simTickSize = 0.01

// Ensure SimClient implements Client.
var _ Client = (*SimClient)(nil)

// SimClient is an in-memory broker used by use_simulation and by tests.
// Positions fill instantly at the quote, stops are checked on every price update.
type SimClient struct {
	mu           sync.RWMutex
	positions    map[int64]*Position
	quotes       map[string]Quote
	nextTicket   int64
	contractSize float64
	now          func() time.Time

	// Failure injection, consumed one entry per call. A nil entry lets the call through.
	openFailures   []error
	modifyFailures []error
	closeFailures  []error
	connectionDown bool

	openCalls   int
	modifyCalls int
	closeCalls  int

	// Price simulator
	stopChan        chan struct{}
	simSymbol       string
	simInitialPrice float64
	simAmplitude    float64
	simSpread       float64
	simulationTime  float64
}

// NewSimClient creates a simulated broker. contractSize is used for the reported floating profit.
func NewSimClient(contractSize float64) *SimClient {
	return &SimClient{
		positions:    make(map[int64]*Position),
		quotes:       make(map[string]Quote),
		nextTicket:   100000,
		contractSize: contractSize,
		now:          time.Now,
		stopChan:     make(chan struct{}),
	}
}

// SetPriceSimulationParams configures the sine wave used by Start.
func (c *SimClient) SetPriceSimulationParams(symbol string, initialPrice, amplitude, spread float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simSymbol = symbol
	c.simInitialPrice = initialPrice
	c.simAmplitude = amplitude
	c.simSpread = spread
	c.setQuote_noLock(symbol, initialPrice-spread/2, initialPrice+spread/2)
	logs.Infof("[Sim Broker] Price simulator configured for %s. Initial price: %.2f, amplitude: %.2f", symbol, initialPrice, amplitude)
}

// Start runs the price simulator until Stop is called.
func (c *SimClient) Start() {
	go c.runPriceSimulator()
}

// Stop stops the price simulator.
func (c *SimClient) Stop() {
	close(c.stopChan)
}

func (c *SimClient) runPriceSimulator() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.simSymbol != "" {
				c.simulationTime += 0.1
				mid := c.simInitialPrice + c.simAmplitude*math.Sin(c.simulationTime)
				bid := utils.AdjustPriceToTickSize(mid-c.simSpread/2, simTickSize)
				ask := utils.AdjustPriceToTickSize(mid+c.simSpread/2, simTickSize)
				c.setQuote_noLock(c.simSymbol, bid, ask)
			}
			c.mu.Unlock()
		}
	}
}

// SetPrice sets the bid/ask for a symbol, stamped with the current time, and triggers any hit stops.
func (c *SimClient) SetPrice(symbol string, bid, ask float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setQuote_noLock(symbol, bid, ask)
}

// SetMid sets a zero-spread quote.
func (c *SimClient) SetMid(symbol string, price float64) {
	c.SetPrice(symbol, price, price)
}

// SetQuoteTime overrides the timestamp of the current quote, e.g. to make it stale.
func (c *SimClient) SetQuoteTime(symbol string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.quotes[symbol]
	q.Time = t
	c.quotes[symbol] = q
}

func (c *SimClient) setQuote_noLock(symbol string, bid, ask float64) {
	c.quotes[symbol] = Quote{Symbol: symbol, Bid: bid, Ask: ask, Time: c.now()}
	c.applyStops_noLock(symbol)
}

// applyStops_noLock closes positions whose stop was reached by the new quote.
func (c *SimClient) applyStops_noLock(symbol string) {
	q := c.quotes[symbol]
	for ticket, p := range c.positions {
		if p.Symbol != symbol || p.StopLoss == 0 {
			continue
		}
		hit := (p.Direction == Buy && q.Bid <= p.StopLoss) || (p.Direction == Sell && q.Ask >= p.StopLoss)
		if !hit {
			continue
		}
		logs.Infof("[Sim Broker] Stop hit on #%d %s at %.2f, realized %.2f", ticket, p.Direction, p.StopLoss, c.profitAt_noLock(p, p.StopLoss))
		delete(c.positions, ticket)
	}
}

func (c *SimClient) profitAt_noLock(p *Position, mark float64) float64 {
	return (mark - p.EntryPrice) * p.Direction.Sign() * p.Volume * c.contractSize
}

// InjectOpenFailures queues outcomes for the next OpenPosition calls.
func (c *SimClient) InjectOpenFailures(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openFailures = append(c.openFailures, errs...)
}

// InjectModifyFailures queues outcomes for the next ModifyStopLoss calls.
func (c *SimClient) InjectModifyFailures(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modifyFailures = append(c.modifyFailures, errs...)
}

// InjectCloseFailures queues outcomes for the next ClosePosition calls.
func (c *SimClient) InjectCloseFailures(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeFailures = append(c.closeFailures, errs...)
}

// SetConnectionDown makes every call fail with ErrConnectionLost while down is true.
func (c *SimClient) SetConnectionDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionDown = down
}

func popFailure(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// AddPosition seeds an already open position, as if opened outside the bot. A zero ticket gets a new one.
func (c *SimClient) AddPosition(p Position) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.Ticket == 0 {
		p.Ticket = c.generateTicket_noLock()
	}
	if p.OpenTime.IsZero() {
		p.OpenTime = c.now()
	}
	c.positions[p.Ticket] = &p
	return p.Ticket
}

// RemovePosition closes a position behind the bot's back.
func (c *SimClient) RemovePosition(ticket int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, ticket)
}

// CallCounts returns how many open, modify and close calls reached the simulator.
func (c *SimClient) CallCounts() (opens, modifies, closes int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.openCalls, c.modifyCalls, c.closeCalls
}

func (c *SimClient) generateTicket_noLock() int64 {
	c.nextTicket++
	return c.nextTicket
}

func (c *SimClient) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connectionDown {
		return fmt.Errorf("%w: simulated outage", ErrConnectionLost)
	}
	return nil
}

func (c *SimClient) CurrentPrice(ctx context.Context, symbol string) (Quote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connectionDown {
		return Quote{}, fmt.Errorf("%w: simulated outage", ErrConnectionLost)
	}
	q, ok := c.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("no price for symbol %s", symbol)
	}
	return q, nil
}

func (c *SimClient) ListOpenPositions(ctx context.Context, symbol string, magic int64) ([]Position, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connectionDown {
		return nil, fmt.Errorf("%w: simulated outage", ErrConnectionLost)
	}
	q := c.quotes[symbol]
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		if p.Symbol != symbol || p.Magic != magic {
			continue
		}
		cp := *p
		if q.Bid > 0 {
			cp.Profit = c.profitAt_noLock(p, q.MarkPrice(p.Direction))
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (c *SimClient) OpenPosition(ctx context.Context, req OpenRequest) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCalls++
	if c.connectionDown {
		return 0, fmt.Errorf("%w: simulated outage", ErrConnectionLost)
	}
	if err := popFailure(&c.openFailures); err != nil {
		return 0, err
	}
	if req.Volume <= 0 {
		return 0, fmt.Errorf("%w: invalid volume %.2f", ErrOrderRejected, req.Volume)
	}
	q, ok := c.quotes[req.Symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", ErrOrderRejected, req.Symbol)
	}
	ticket := c.generateTicket_noLock()
	c.positions[ticket] = &Position{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Volume:     req.Volume,
		EntryPrice: q.EntryPrice(req.Direction),
		Magic:      req.Magic,
		Comment:    req.Comment,
		OpenTime:   c.now(),
	}
	logs.Debugf("[Sim Broker] Opened #%d %s %.2f %s at %.2f (%s)", ticket, req.Direction, req.Volume, req.Symbol, q.EntryPrice(req.Direction), req.Comment)
	return ticket, nil
}

func (c *SimClient) ModifyStopLoss(ctx context.Context, ticket int64, stopLoss float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modifyCalls++
	if c.connectionDown {
		return fmt.Errorf("%w: simulated outage", ErrConnectionLost)
	}
	if err := popFailure(&c.modifyFailures); err != nil {
		return err
	}
	p, ok := c.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: ticket %d", ErrPositionNotFound, ticket)
	}
	q := c.quotes[p.Symbol]
	// A stop on the wrong side of the market would close immediately; real terminals reject it.
	if (p.Direction == Buy && stopLoss >= q.Bid) || (p.Direction == Sell && stopLoss <= q.Ask) {
		return fmt.Errorf("%w: invalid stops %.2f for %s at bid %.2f ask %.2f", ErrOrderRejected, stopLoss, p.Direction, q.Bid, q.Ask)
	}
	p.StopLoss = stopLoss
	return nil
}

func (c *SimClient) ClosePosition(ctx context.Context, ticket int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if c.connectionDown {
		return fmt.Errorf("%w: simulated outage", ErrConnectionLost)
	}
	if err := popFailure(&c.closeFailures); err != nil {
		return err
	}
	p, ok := c.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: ticket %d", ErrPositionNotFound, ticket)
	}
	q := c.quotes[p.Symbol]
	logs.Debugf("[Sim Broker] Closed #%d, realized %.2f", ticket, c.profitAt_noLock(p, q.MarkPrice(p.Direction)))
	delete(c.positions, ticket)
	return nil
}
