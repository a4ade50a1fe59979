package types

// Exchange is an opaque venue identifier. The futures sets are closed; an
// exchange outside the three sets is rejected at order entry.
type Exchange string

// Spot venues.
const (
	Binance     Exchange = "binance"
	Kucoin      Exchange = "kucoin"
	Bybit       Exchange = "bybit"
	OKX         Exchange = "okx"
	Coinbase    Exchange = "coinbase"
	Bitget      Exchange = "bitget"
	Mexc        Exchange = "mexc"
	Hyperliquid Exchange = "hyperliquid"
)

// Linear (USD-margined) futures venues.
const (
	BinanceUsdm  Exchange = "binanceUsdm"
	BybitUsdm    Exchange = "bybitUsdm"
	KucoinLinear Exchange = "kucoinLinear"
	OKXLinear    Exchange = "okxLinear"
	BitgetUsdm   Exchange = "bitgetUsdm"
)

// Inverse (coin-margined) futures venues.
const (
	BinanceCoinm       Exchange = "binanceCoinm"
	BybitInverse       Exchange = "bybitInverse"
	KucoinInverse      Exchange = "kucoinInverse"
	OKXInverse         Exchange = "okxInverse"
	BitgetCoinm        Exchange = "bitgetCoinm"
	HyperliquidInverse Exchange = "hyperliquidInverse"
)

var (
	spotExchanges = map[Exchange]bool{
		Binance: true, Kucoin: true, Bybit: true, OKX: true,
		Coinbase: true, Bitget: true, Mexc: true, Hyperliquid: true,
	}
	linearExchanges = map[Exchange]bool{
		BinanceUsdm: true, BybitUsdm: true, KucoinLinear: true,
		OKXLinear: true, BitgetUsdm: true,
	}
	inverseExchanges = map[Exchange]bool{
		BinanceCoinm: true, BybitInverse: true, KucoinInverse: true,
		OKXInverse: true, BitgetCoinm: true, HyperliquidInverse: true,
	}
)

// IsSpot reports whether e is a spot venue.
func (e Exchange) IsSpot() bool { return spotExchanges[e] }

// IsLinear reports whether e is a linear (quote-margined) futures venue.
func (e Exchange) IsLinear() bool { return linearExchanges[e] }

// IsInverse reports whether e is an inverse (base-margined) futures venue.
func (e Exchange) IsInverse() bool { return inverseExchanges[e] }

// IsFutures reports whether e is a derivatives venue of either kind.
func (e Exchange) IsFutures() bool { return e.IsLinear() || e.IsInverse() }

// Valid reports whether e belongs to any known venue set.
func (e Exchange) Valid() bool { return e.IsSpot() || e.IsFutures() }

// Compiled-in fee rates.
const (
	SpotMakerFee  = 0.001
	UsdmMakerFee  = 0.0002
	CoinmMakerFee = 0.0001
)

// MakerFee returns the maker rate for a venue.
func MakerFee(e Exchange) float64 {
	switch {
	case e.IsLinear():
		return UsdmMakerFee
	case e.IsInverse():
		return CoinmMakerFee
	default:
		return SpotMakerFee
	}
}

// TakerFee returns the taker rate for a venue. Spot taker intentionally
// equals the maker rate; linear is 2x maker and inverse 5x maker.
func TakerFee(e Exchange) float64 {
	switch {
	case e.IsLinear():
		return 2 * UsdmMakerFee
	case e.IsInverse():
		return 5 * CoinmMakerFee
	default:
		return SpotMakerFee
	}
}
