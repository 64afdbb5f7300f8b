package gates

import (
	"fmt"
	"time"

	"github.com/meridian-trading/meridian/internal/jupiter"
	"github.com/meridian-trading/meridian/internal/liquidity"
	"github.com/meridian-trading/meridian/internal/solana"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Gate checks — pure decision functions. Each takes already-fetched facts and
// a config and returns a Result; fetching and logging live in the Pipeline.
// ---------------------------------------------------------------------------

// Gate IDs in evaluation order.
const (
	GateLiquidity           = "liquidity"
	GateMintAuthority       = "mint_authority"
	GateFreezeAuthority     = "freeze_authority"
	GateRoute               = "route"
	GateRoundTrip           = "roundtrip"
	GateOrganicFlow         = "organic_flow"
	GateHolderConcentration = "holder_concentration"
	GateLaunchSource        = "launch_source"
)

// Mode is a gate's enforcement level.
type Mode string

const (
	ModeStrict   Mode = "strict"
	ModeWarning  Mode = "warning"
	ModeDisabled Mode = "disabled"
)

// Result is one gate's outcome.
type Result struct {
	Gate    string
	Passed  bool
	Warning bool
	Reason  string
	Took    time.Duration
}

func pass(gate string) Result { return Result{Gate: gate, Passed: true} }

func fail(gate, format string, args ...any) Result {
	return Result{Gate: gate, Reason: fmt.Sprintf(format, args...)}
}

func warn(gate, format string, args ...any) Result {
	return Result{Gate: gate, Passed: true, Warning: true, Reason: fmt.Sprintf(format, args...)}
}

// Config holds every gate threshold.
type Config struct {
	MinLiquiditySOL decimal.Decimal `yaml:"min_liquidity_sol"`
	MinPoolAge      time.Duration   `yaml:"min_pool_age"`

	MintAuthorityMode   Mode `yaml:"mint_authority_mode"`
	FreezeAuthorityMode Mode `yaml:"freeze_authority_mode"`

	MaxRouteHops      int           `yaml:"max_route_hops"`
	MaxPriceImpactPct float64       `yaml:"max_price_impact_pct"`
	RouteAttempts     int           `yaml:"route_attempts"`
	RouteDelay        time.Duration `yaml:"route_delay"`
	SlippageBps       int           `yaml:"slippage_bps"`

	MaxRoundTripLossPct float64 `yaml:"max_roundtrip_loss_pct"`

	FlowWindow            time.Duration `yaml:"flow_window"`
	FlowMinSwaps          int           `yaml:"flow_min_swaps"`
	FlowMinWallets        int           `yaml:"flow_min_wallets"`
	FlowMaxWalletSharePct float64       `yaml:"flow_max_wallet_share_pct"`
	FlowMaxTxFetch        int           `yaml:"flow_max_tx_fetch"`

	MaxTop1Pct  float64 `yaml:"max_top1_pct"`
	MaxTop5Pct  float64 `yaml:"max_top5_pct"`
	MaxTop10Pct float64 `yaml:"max_top10_pct"`
	HolderLimit int     `yaml:"holder_limit"`
}

// DefaultConfig returns conservative production thresholds.
func DefaultConfig() Config {
	return Config{
		MinLiquiditySOL:       decimal.NewFromInt(10),
		MinPoolAge:            30 * time.Second,
		MintAuthorityMode:     ModeStrict,
		FreezeAuthorityMode:   ModeStrict,
		MaxRouteHops:          2,
		MaxPriceImpactPct:     10.0,
		RouteAttempts:         6,
		RouteDelay:            10 * time.Second,
		SlippageBps:           300,
		MaxRoundTripLossPct:   8.0,
		FlowWindow:            2 * time.Minute,
		FlowMinSwaps:          10,
		FlowMinWallets:        7,
		FlowMaxWalletSharePct: 35.0,
		FlowMaxTxFetch:        30,
		MaxTop1Pct:            20.0,
		MaxTop5Pct:            50.0,
		MaxTop10Pct:           70.0,
		HolderLimit:           10,
	}
}

// View is the read-only candidate snapshot gates evaluate against.
type View struct {
	Pool         solana.Pubkey
	Mint         solana.Pubkey
	Layer        string
	DetectedAt   time.Time
	PoolOpenTime time.Time
	Liquidity    liquidity.Reading
	BuySOL       decimal.Decimal
}

// FlowSample summarizes early trading activity on a pool.
type FlowSample struct {
	Swaps       int
	Wallets     int
	TopWallet   solana.Pubkey
	TopSharePct float64
}

// checkLiquidity enforces a minimum settled value and minimum pool age.
func checkLiquidity(view View, now time.Time, cfg Config) Result {
	if view.Liquidity.Status != liquidity.StatusOK {
		return fail(GateLiquidity, "liquidity not settled (status=%s)", view.Liquidity.Status)
	}
	if view.Liquidity.ValueSOL.LessThan(cfg.MinLiquiditySOL) {
		return fail(GateLiquidity, "liquidity %s SOL below minimum %s",
			view.Liquidity.ValueSOL.StringFixed(2), cfg.MinLiquiditySOL.StringFixed(2))
	}
	if !view.PoolOpenTime.IsZero() {
		if view.PoolOpenTime.After(now) {
			return fail(GateLiquidity, "pool not open yet (opens %s)", view.PoolOpenTime.Format(time.RFC3339))
		}
		if age := now.Sub(view.PoolOpenTime); age < cfg.MinPoolAge {
			return fail(GateLiquidity, "pool too young (%s < %s)", age.Round(time.Second), cfg.MinPoolAge)
		}
	}
	return pass(GateLiquidity)
}

// checkAuthority enforces revocation of a mint-level authority under the
// configured mode. Used for both the mint and freeze authority gates.
func checkAuthority(gate string, revoked bool, authority solana.Pubkey, mode Mode) Result {
	if mode == ModeDisabled {
		return Result{Gate: gate, Passed: true, Reason: "check disabled"}
	}
	if revoked {
		return pass(gate)
	}
	if mode == ModeWarning {
		return warn(gate, "authority present: %s", authority)
	}
	return fail(gate, "authority present: %s", authority)
}

// checkRoute bounds hop count and price impact on the buy quote.
func checkRoute(quote *jupiter.Quote, cfg Config) Result {
	if len(quote.Hops) > cfg.MaxRouteHops {
		return fail(GateRoute, "route has %d hops (max %d)", len(quote.Hops), cfg.MaxRouteHops)
	}
	if quote.PriceImpactPct > cfg.MaxPriceImpactPct {
		return fail(GateRoute, "price impact %.2f%% exceeds %.2f%%",
			quote.PriceImpactPct, cfg.MaxPriceImpactPct)
	}
	if !quote.OutAmountRaw.IsPositive() {
		return fail(GateRoute, "quote returned zero out amount")
	}
	return pass(GateRoute)
}

// checkRoundTrip compares what went in against what a simulated immediate
// sell would return.
func checkRoundTrip(in, back decimal.Decimal, cfg Config) (Result, float64) {
	if !in.IsPositive() {
		return fail(GateRoundTrip, "zero input amount"), 0
	}
	loss := in.Sub(back).Div(in).Mul(decimal.NewFromInt(100))
	lossPct, _ := loss.Float64()
	if lossPct > cfg.MaxRoundTripLossPct {
		return fail(GateRoundTrip, "round-trip loss %.2f%% exceeds %.2f%%",
			lossPct, cfg.MaxRoundTripLossPct), lossPct
	}
	return pass(GateRoundTrip), lossPct
}

// checkFlow enforces minimum organic activity in the first window.
func checkFlow(flow FlowSample, cfg Config) Result {
	if flow.Swaps < cfg.FlowMinSwaps {
		return fail(GateOrganicFlow, "%d swaps in window (min %d)", flow.Swaps, cfg.FlowMinSwaps)
	}
	if flow.Wallets < cfg.FlowMinWallets {
		return fail(GateOrganicFlow, "%d unique wallets (min %d)", flow.Wallets, cfg.FlowMinWallets)
	}
	if flow.TopSharePct > cfg.FlowMaxWalletSharePct {
		return fail(GateOrganicFlow, "wallet %s holds %.1f%% of flow (max %.1f%%)",
			flow.TopWallet, flow.TopSharePct, cfg.FlowMaxWalletSharePct)
	}
	return pass(GateOrganicFlow)
}

// checkConcentration caps top-holder supply shares.
func checkConcentration(holders []solana.Holder, cfg Config) Result {
	var top1, top5, top10 float64
	for i, h := range holders {
		if i < 1 {
			top1 += h.SharePct
		}
		if i < 5 {
			top5 += h.SharePct
		}
		if i < 10 {
			top10 += h.SharePct
		}
	}
	if top1 > cfg.MaxTop1Pct {
		return fail(GateHolderConcentration, "top holder owns %.1f%% (max %.1f%%)", top1, cfg.MaxTop1Pct)
	}
	if top5 > cfg.MaxTop5Pct {
		return fail(GateHolderConcentration, "top 5 own %.1f%% (max %.1f%%)", top5, cfg.MaxTop5Pct)
	}
	if top10 > cfg.MaxTop10Pct {
		return fail(GateHolderConcentration, "top 10 own %.1f%% (max %.1f%%)", top10, cfg.MaxTop10Pct)
	}
	return pass(GateHolderConcentration)
}

// describeLaunchSource labels where the pool came from. Advisory only: the
// result always passes regardless of what it finds.
func describeLaunchSource(view View) Result {
	r := pass(GateLaunchSource)
	r.Reason = fmt.Sprintf("detected via %s", view.Layer)
	return r
}
