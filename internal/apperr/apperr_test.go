package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := InsufficientBalance("USDT", "5005", "100")
	wrapped := fmt.Errorf("create order: %w", base)

	assert.Equal(t, KindInsufficientBalance, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindInsufficientBalance))
	assert.False(t, Is(wrapped, KindInvalidOrder))
	assert.Equal(t, http.StatusBadRequest, StatusOf(wrapped))
	assert.Equal(t, "5005", base.Details["required"])
}

func TestUntaggedErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.False(t, Is(nil, KindInternal))
}

func TestExchangeErrorMessage(t *testing.T) {
	err := Exchange(http.StatusNotFound, -2013, "order does not exist", nil)
	assert.Equal(t, "EXCHANGE_ERROR: order does not exist (code -2013)", err.Error())
	assert.False(t, IsUncertain(err))

	err.Uncertain = true
	assert.True(t, IsUncertain(fmt.Errorf("submit: %w", err)))
}

func TestExchangeDefaultsToBadGateway(t *testing.T) {
	err := Exchange(0, 0, "upstream closed connection", errors.New("EOF"))
	assert.Equal(t, http.StatusBadGateway, err.Status)
	assert.ErrorContains(t, err, "EOF")
}
