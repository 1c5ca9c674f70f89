package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tango_bot/broker"
	"tango_bot/logs"
	"tango_bot/state"

	"github.com/google/uuid"
)

var (
	// ErrNotTracked is returned for a ticket the store does not know.
	ErrNotTracked = errors.New("position not tracked")
	// ErrStopLoosening is returned when a stop would move against the position.
	ErrStopLoosening = errors.New("stop loss would loosen")
)

// Stage is the lifecycle stage of a managed position.
type Stage string

const (
	StageNew            Stage = "NEW"
	StageMonitoring     Stage = "MONITORING"
	StageHedgeTriggered Stage = "HEDGE_TRIGGERED"
	StageBreakevenSet   Stage = "BREAKEVEN_SET"
	StageTrailing       Stage = "TRAILING"
	StageClosed         Stage = "CLOSED"
)

var stageRank = map[Stage]int{
	StageNew:            0,
	StageMonitoring:     1,
	StageHedgeTriggered: 2,
	StageBreakevenSet:   3,
	StageTrailing:       4,
	StageClosed:         5,
}

// After reports whether s is a later stage than other.
func (s Stage) After(other Stage) bool {
	return stageRank[s] > stageRank[other]
}

// Role distinguishes a position the bot hedges from a hedge it opened.
type Role string

const (
	RoleOriginal Role = "original"
	RoleHedge    Role = "hedge"
)

const (
	// InitialComment tags positions opened by the open command.
	InitialComment     = "Tango_Initial"
	hedgeCommentPrefix = "Tango_Hedge_"
)

// HedgeComment is the broker comment for the slot-th hedge of origin.
func HedgeComment(origin int64, slot int) string {
	return fmt.Sprintf("%s%d_%d", hedgeCommentPrefix, origin, slot)
}

// ParseHedgeComment extracts the origin ticket from a hedge comment.
func ParseHedgeComment(comment string) (int64, bool) {
	rest, ok := strings.CutPrefix(comment, hedgeCommentPrefix)
	if !ok {
		return 0, false
	}
	originPart, _, _ := strings.Cut(rest, "_")
	origin, err := strconv.ParseInt(originPart, 10, 64)
	if err != nil || origin <= 0 {
		return 0, false
	}
	return origin, true
}

// Tag links a position to its hedge group.
type Tag struct {
	Role         Role
	GroupID      string
	OriginTicket int64 // the original's ticket; an original points to itself
}

// Tracked is a broker position plus the bookkeeping the engine keeps for it.
type Tracked struct {
	broker.Position
	Stage Stage
	Tag   Tag
	// HedgeTarget is the number of hedges decided when the trigger fired, HedgesOpened how many ever filled.
	HedgeTarget  int
	HedgesOpened int
}

// IsOriginal reports whether the position is an original.
func (t Tracked) IsOriginal() bool { return t.Tag.Role != RoleHedge }

// IsTighter reports whether candidate is strictly more favourable than current for direction d.
// A zero current stop means no stop.
func IsTighter(d broker.Direction, current, candidate float64) bool {
	if current == 0 {
		return true
	}
	if d == broker.Buy {
		return candidate > current
	}
	return candidate < current
}

// ClosedFunc is called once for every position that disappears from the broker.
type ClosedFunc func(p Tracked)

// Store holds the managed positions for one symbol and magic number.
// It is owned by the control loop; the lock only guards readers on other goroutines.
type Store struct {
	mu        sync.RWMutex
	gateway   broker.OrderGateway
	symbol    string
	magic     int64
	state     state.StateManagerInterface
	positions map[int64]*Tracked
	onClosed  ClosedFunc
}

// NewStore creates a store. sm may be nil, in which case bookkeeping only lives in memory.
func NewStore(gateway broker.OrderGateway, symbol string, magic int64, sm state.StateManagerInterface) *Store {
	return &Store{
		gateway:   gateway,
		symbol:    symbol,
		magic:     magic,
		state:     sm,
		positions: make(map[int64]*Tracked),
	}
}

// SetOnClosed registers the closed-position callback.
func (s *Store) SetOnClosed(fn ClosedFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = fn
}

// Sync refreshes the store from the broker and returns the positions that closed since the last sync.
// Closed positions stay in the store as CLOSED until the following sync.
func (s *Store) Sync(ctx context.Context) ([]Tracked, error) {
	open, err := s.gateway.ListOpenPositions(ctx, s.symbol, s.magic)
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}

	s.mu.Lock()
	for ticket, p := range s.positions {
		if p.Stage == StageClosed {
			delete(s.positions, ticket)
		}
	}

	var persisted map[int64]state.PositionMeta
	if s.state != nil {
		persisted = s.state.GetFullState().Positions
	}

	seen := make(map[int64]bool, len(open))
	var recovered []*Tracked
	for _, bp := range open {
		seen[bp.Ticket] = true
		if existing, ok := s.positions[bp.Ticket]; ok {
			existing.Position = bp
			continue
		}
		t := &Tracked{Position: bp, Stage: StageNew}
		if meta, ok := persisted[bp.Ticket]; ok && Stage(meta.Stage) != StageClosed {
			t.Stage = Stage(meta.Stage)
			t.Tag = Tag{Role: Role(meta.Role), GroupID: meta.GroupID, OriginTicket: meta.OriginTicket}
			t.HedgeTarget = meta.HedgeTarget
			t.HedgesOpened = meta.HedgesOpened
		} else {
			recovered = append(recovered, t)
		}
		s.positions[bp.Ticket] = t
		logs.WithFields(logs.Fields{"ticket": bp.Ticket, "direction": bp.Direction, "stage": t.Stage}).Info("[Position Store] Tracking position")
	}
	s.recoverTags_noLock(recovered)

	var closed []Tracked
	for ticket, p := range s.positions {
		if seen[ticket] {
			continue
		}
		p.Stage = StageClosed
		closed = append(closed, *p)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].Ticket < closed[j].Ticket })
	onClosed := s.onClosed
	s.persistAll_noLock()
	s.mu.Unlock()

	for _, p := range closed {
		logs.WithFields(logs.Fields{"ticket": p.Ticket, "role": p.Tag.Role, "origin": p.Tag.OriginTicket}).Info("[Position Store] Position closed on broker")
		if onClosed != nil {
			onClosed(p)
		}
	}
	return closed, nil
}

// recoverTags_noLock tags positions without persisted bookkeeping from their comment.
func (s *Store) recoverTags_noLock(recovered []*Tracked) {
	sort.Slice(recovered, func(i, j int) bool { return recovered[i].Ticket < recovered[j].Ticket })
	for _, t := range recovered {
		if origin, ok := ParseHedgeComment(t.Comment); ok {
			group := fmt.Sprintf("recovered-%d", origin)
			if o, ok := s.positions[origin]; ok && o.Tag.GroupID != "" {
				group = o.Tag.GroupID
			}
			t.Tag = Tag{Role: RoleHedge, GroupID: group, OriginTicket: origin}
			continue
		}
		t.Tag = Tag{Role: RoleOriginal, GroupID: uuid.NewString(), OriginTicket: t.Ticket}
	}

	// An original whose hedges are already open must never trigger again.
	for _, t := range recovered {
		if t.Tag.Role != RoleHedge {
			continue
		}
		o, ok := s.positions[t.Tag.OriginTicket]
		if !ok || !o.IsOriginal() {
			continue
		}
		if o.Tag.GroupID != t.Tag.GroupID {
			t.Tag.GroupID = o.Tag.GroupID
		}
		if o.HedgesOpened < s.openHedgesOf_noLock(o.Ticket) {
			o.HedgesOpened = s.openHedgesOf_noLock(o.Ticket)
			if o.HedgeTarget < o.HedgesOpened {
				o.HedgeTarget = o.HedgesOpened
			}
			if StageHedgeTriggered.After(o.Stage) {
				o.Stage = StageHedgeTriggered
			}
		}
	}
}

func (s *Store) openHedgesOf_noLock(origin int64) int {
	n := 0
	for _, p := range s.positions {
		if p.Tag.Role == RoleHedge && p.Tag.OriginTicket == origin && p.Stage != StageClosed {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all tracked positions ordered by ticket.
func (s *Store) Snapshot() []Tracked {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tracked, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// Get returns a copy of one tracked position.
func (s *Store) Get(ticket int64) (Tracked, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[ticket]
	if !ok {
		return Tracked{}, false
	}
	return *p, true
}

// OpenCount is the number of managed positions not yet closed.
func (s *Store) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.Stage != StageClosed {
			n++
		}
	}
	return n
}

// GroupSize is the number of open positions in origin's group, the original included.
func (s *Store) GroupSize(origin int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.Stage != StageClosed && p.Tag.OriginTicket == origin {
			n++
		}
	}
	return n
}

// TotalVolume sums the volume of open positions.
func (s *Store) TotalVolume() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v float64
	for _, p := range s.positions {
		if p.Stage != StageClosed {
			v += p.Volume
		}
	}
	return v
}

// AdvanceStage moves a position forward. Moving to an earlier or equal stage is ignored.
func (s *Store) AdvanceStage(ticket int64, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotTracked, ticket)
	}
	if !stage.After(p.Stage) {
		return nil
	}
	p.Stage = stage
	return s.persist_noLock(p)
}

// ApplyStopLoss records a stop the broker accepted and advances the stage.
func (s *Store) ApplyStopLoss(ticket int64, stopLoss float64, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotTracked, ticket)
	}
	if !IsTighter(p.Direction, p.StopLoss, stopLoss) {
		return fmt.Errorf("%w: #%d %s from %.5f to %.5f", ErrStopLoosening, ticket, p.Direction, p.StopLoss, stopLoss)
	}
	p.StopLoss = stopLoss
	if stage.After(p.Stage) {
		p.Stage = stage
	}
	return s.persist_noLock(p)
}

// MarkHedgeTarget records how many hedges a trigger decided before any of them is sent,
// so a hedge that fills behind a failed request is recovered against the full target.
// The target only grows and the stage is left alone.
func (s *Store) MarkHedgeTarget(origin int64, target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.positions[origin]
	if !ok {
		return fmt.Errorf("%w: origin %d", ErrNotTracked, origin)
	}
	if target <= o.HedgeTarget {
		return nil
	}
	o.HedgeTarget = target
	return s.persist_noLock(o)
}

// RecordHedgeOpened adds a filled hedge and updates its original's counters.
// target is the number of hedges decided when the trigger fired.
func (s *Store) RecordHedgeOpened(origin int64, target int, hedge broker.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.positions[origin]
	if !ok {
		return fmt.Errorf("%w: origin %d", ErrNotTracked, origin)
	}
	o.HedgesOpened++
	if target > o.HedgeTarget {
		o.HedgeTarget = target
	}
	if StageHedgeTriggered.After(o.Stage) {
		o.Stage = StageHedgeTriggered
	}
	h := &Tracked{
		Position: hedge,
		Stage:    StageNew,
		Tag:      Tag{Role: RoleHedge, GroupID: o.Tag.GroupID, OriginTicket: origin},
	}
	s.positions[hedge.Ticket] = h
	if err := s.persist_noLock(o); err != nil {
		return err
	}
	return s.persist_noLock(h)
}

// Insert tracks a position opened by a manual command as a new original.
func (s *Store) Insert(p broker.Position) Tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Tracked{
		Position: p,
		Stage:    StageNew,
		Tag:      Tag{Role: RoleOriginal, GroupID: uuid.NewString(), OriginTicket: p.Ticket},
	}
	s.positions[p.Ticket] = t
	if err := s.persist_noLock(t); err != nil {
		logs.Errorf("[Position Store] Failed to persist #%d: %v", p.Ticket, err)
	}
	return *t
}

func (s *Store) persist_noLock(p *Tracked) error {
	if s.state == nil {
		return nil
	}
	if p.Stage == StageClosed {
		return s.state.RemovePosition(p.Ticket)
	}
	return s.state.PutPosition(p.Ticket, state.PositionMeta{
		Stage:        string(p.Stage),
		Role:         string(p.Tag.Role),
		GroupID:      p.Tag.GroupID,
		OriginTicket: p.Tag.OriginTicket,
		HedgeTarget:  p.HedgeTarget,
		HedgesOpened: p.HedgesOpened,
	})
}

func (s *Store) persistAll_noLock() {
	for _, p := range s.positions {
		if err := s.persist_noLock(p); err != nil {
			logs.Errorf("[Position Store] Failed to persist #%d: %v", p.Ticket, err)
		}
	}
}
