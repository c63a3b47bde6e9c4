package sim

import (
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/danmuck/gymctl/internal/protocol"
)

// Portfolio actions understood by MarketEngine.
const (
	ActionHold  = "hold"
	ActionBuy   = "buy"
	ActionSell  = "sell"
	ActionClose = "close"
)

// MarketParams configures MarketEngine. DrawdownCall is a percentage: the
// episode ends once value falls below (100-DrawdownCall)% of StartCash.
type MarketParams struct {
	Seed             int64
	EpisodeLen       int
	StateDim0        int
	StateDimTime     int
	StartCash        float64
	BrokerCommission float64
	FixedStake       float64
	DrawdownCall     float64
	StartPrice       float64
	Volatility       float64
}

func DefaultMarketParams() MarketParams {
	return MarketParams{
		EpisodeLen:       256,
		StateDim0:        4,
		StateDimTime:     10,
		StartCash:        10.0,
		BrokerCommission: 0.001,
		FixedStake:       10,
		DrawdownCall:     90,
		StartPrice:       1.0,
		Volatility:       0.001,
	}
}

func (p MarketParams) Validate() error {
	switch {
	case p.EpisodeLen < 1:
		return fmt.Errorf("sim: episode_len must be >= 1")
	case p.StateDim0 < 1 || p.StateDim0 > 4:
		return fmt.Errorf("sim: state_dim_0 must be between 1 and 4")
	case p.StateDimTime < 1:
		return fmt.Errorf("sim: state_dim_time must be >= 1")
	case p.StartCash <= 0 || p.FixedStake <= 0 || p.StartPrice <= 0:
		return fmt.Errorf("sim: start_cash, fixed_stake and start_price must be positive")
	case p.BrokerCommission < 0 || p.Volatility < 0:
		return fmt.Errorf("sim: broker_commission and volatility must not be negative")
	case p.DrawdownCall <= 0 || p.DrawdownCall > 100:
		return fmt.Errorf("sim: drawdown_call must be in (0, 100]")
	}
	return nil
}

type bar struct {
	open, high, low, close float64
}

func (b bar) feature(i int) float64 {
	switch i {
	case 0:
		return b.open
	case 1:
		return b.high
	case 2:
		return b.low
	default:
		return b.close
	}
}

// MarketEngine trades a fixed stake on a synthetic OHLC series. The
// observation is the trailing StateDimTime bars, one row per OHLC feature.
type MarketEngine struct {
	p   MarketParams
	rng *rand.Rand

	active   bool
	window   []bar
	step     int
	cash     float64
	position float64
	value    float64
	peak     float64
	maxDD    float64
	trades   int
	last     protocol.Episode
	finished bool

	episodes int
	summary  Summary
}

func NewMarketEngine(p MarketParams) (*MarketEngine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MarketEngine{
		p:       p,
		rng:     rand.New(rand.NewSource(seed)),
		summary: Summary{StatEpisodes: 0},
	}, nil
}

func (m *MarketEngine) Actions() []string {
	return []string{ActionHold, ActionBuy, ActionSell, ActionClose}
}

func (m *MarketEngine) Shape() []int {
	return []int{m.p.StateDim0, m.p.StateDimTime}
}

func (m *MarketEngine) Begin() error {
	m.active = true
	m.finished = false
	m.step = 0
	m.cash = m.p.StartCash
	m.position = 0
	m.value = m.p.StartCash
	m.peak = m.p.StartCash
	m.maxDD = 0
	m.trades = 0
	m.last = protocol.Episode{}

	// Fill the window before the first action so every observation is full.
	m.window = m.window[:0]
	price := m.p.StartPrice
	for len(m.window) < m.p.StateDimTime {
		b := m.nextBar(price)
		m.window = append(m.window, b)
		price = b.close
	}
	return nil
}

func (m *MarketEngine) Step(action string) (protocol.Episode, error) {
	if !m.active {
		return protocol.Episode{}, ErrNoEpisode
	}
	if !slices.Contains(m.Actions(), action) {
		return protocol.Episode{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if m.finished {
		return m.last, nil
	}

	price := m.price()
	message := m.execute(action, price)

	next := m.nextBar(price)
	m.window = append(m.window[1:], next)
	m.step++

	prev := m.value
	m.value = m.cash + m.position*next.close
	if m.value > m.peak {
		m.peak = m.value
	}
	if m.peak > 0 {
		if dd := (m.peak - m.value) / m.peak * 100; dd > m.maxDD {
			m.maxDD = dd
		}
	}

	floor := m.p.StartCash * (100 - m.p.DrawdownCall) / 100
	done := m.step >= m.p.EpisodeLen || m.value < floor
	if m.value < floor && message == "" {
		message = "drawdown call"
	}

	ep := protocol.Episode{
		Observation: m.observation(),
		Reward:      m.value - prev,
		Done:        done,
		Info: map[string]any{
			"step":           m.step,
			"cash":           m.cash,
			"value":          m.value,
			"position":       m.position,
			"broker_message": message,
		},
	}
	m.last = ep
	if done {
		m.finish()
	}
	return ep, nil
}

func (m *MarketEngine) End() {
	if m.active && !m.finished {
		m.finish()
	}
	m.active = false
}

func (m *MarketEngine) Summary() Summary {
	return m.summary.Clone()
}

func (m *MarketEngine) finish() {
	m.finished = true
	m.episodes++
	m.summary = Summary{
		StatEpisodes:    float64(m.episodes),
		StatSteps:       float64(m.step),
		StatFinalValue:  m.value,
		StatTotalReward: m.value - m.p.StartCash,
		StatMaxDrawdown: m.maxDD,
		StatTrades:      float64(m.trades),
	}
}

func (m *MarketEngine) execute(action string, price float64) string {
	stake := m.p.FixedStake
	switch action {
	case ActionBuy:
		cost := stake * price
		fee := cost * m.p.BrokerCommission
		if m.cash < cost+fee {
			return "buy rejected: insufficient cash"
		}
		m.cash -= cost + fee
		m.position += stake
		m.trades++
		return fmt.Sprintf("buy %g @ %.5f", stake, price)
	case ActionSell:
		proceeds := stake * price
		m.cash += proceeds - proceeds*m.p.BrokerCommission
		m.position -= stake
		m.trades++
		return fmt.Sprintf("sell %g @ %.5f", stake, price)
	case ActionClose:
		if m.position == 0 {
			return "close ignored: no open position"
		}
		notional := m.position * price
		m.cash += notional - math.Abs(notional)*m.p.BrokerCommission
		m.position = 0
		m.trades++
		return fmt.Sprintf("position closed @ %.5f", price)
	default:
		return ""
	}
}

func (m *MarketEngine) price() float64 {
	return m.window[len(m.window)-1].close
}

func (m *MarketEngine) nextBar(prev float64) bar {
	sigma := m.p.Volatility
	closePrice := prev * math.Exp(sigma*m.rng.NormFloat64())
	hi := math.Max(prev, closePrice) * (1 + math.Abs(m.rng.NormFloat64())*sigma/2)
	lo := math.Min(prev, closePrice) * (1 - math.Abs(m.rng.NormFloat64())*sigma/2)
	return bar{open: prev, high: hi, low: lo, close: closePrice}
}

func (m *MarketEngine) observation() protocol.Observation {
	rows, cols := m.p.StateDim0, m.p.StateDimTime
	values := make([]float64, rows*cols)
	for f := 0; f < rows; f++ {
		for t, b := range m.window {
			values[f*cols+t] = b.feature(f)
		}
	}
	return protocol.Observation{Shape: m.Shape(), Values: values}
}
