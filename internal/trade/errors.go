package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/order"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/pricing"
	"github.com/atmx/perp-engine/internal/registry"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/symbol"
)

// statusTable maps engine sentinels to HTTP statuses. The first match wins.
var statusTable = []struct {
	status int
	errs   []error
}{
	{http.StatusBadRequest, []error{
		order.ErrUnsupportedOrderType, order.ErrInvalidOrderSize, order.ErrInvalidPrice,
		order.ErrInvalidTriggerPrice, order.ErrInvalidCollateralAmount, order.ErrInvalidCollateralToken,
		order.ErrInvalidExecutionFee,
		registry.ErrInvalidConfig, symbol.ErrInvalidMarketID, symbol.ErrInvalidToken,
		ledger.ErrInvalidAmount, pool.ErrInvalidAmount, position.ErrInvalidPrice, position.ErrEmptyChange,
		oracle.ErrInvalidPrice, oracle.ErrFutureTimestamp, exchange.ErrInvalidAccount,
	}},
	{http.StatusForbidden, []error{
		auth.ErrNotAdmin, auth.ErrNotKeeper, auth.ErrNotLiquidator, order.ErrUnauthorized,
		oracle.ErrInvalidSignature, oracle.ErrUnknownSigner,
	}},
	{http.StatusNotFound, []error{
		order.ErrOrderNotFound, position.ErrPositionNotFound, ledger.ErrMarketNotFound, store.ErrNotFound,
	}},
	{http.StatusConflict, []error{
		registry.ErrMarketAlreadyExists, order.ErrOrderAlreadyProcessed, order.ErrOrderCannotBeExecutedYet,
		order.ErrPriceNotAcceptable, limits.ErrMaxOpenInterestExceeded, limits.ErrInsufficientLiquidity,
		limits.ErrMaxLeverageExceeded, limits.ErrPositionTooSmall, fees.ErrInsufficientCollateral,
		ledger.ErrInsufficientBalance, pool.ErrSlippageExceeded, pool.ErrInsufficientMarketTokens,
		position.ErrPositionNotLiquidatable, position.ErrInsufficientPositionSize, position.ErrInsolvency,
		pricing.ErrInsufficientOpenInterest,
	}},
	{http.StatusUnprocessableEntity, []error{fixed.ErrMathOverflow, fixed.ErrUnderflow}},
	{http.StatusServiceUnavailable, []error{oracle.ErrPriceNotAvailable, oracle.ErrPriceStale}},
}

func statusOf(err error) int {
	for _, row := range statusTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.status
			}
		}
	}
	return http.StatusInternalServerError
}

// writeErr reports err with the status its sentinel maps to. Unmapped errors
// are logged and hidden behind a generic message.
func writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
