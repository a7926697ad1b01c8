package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-miniapp-backend/internal/db"
)

func TestDepositValidation(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.wallet.Deposit(e.ctx, e.user.ID, db.ProviderCrypto, dec("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = e.wallet.Deposit(e.ctx, e.user.ID, db.ProviderCrypto, dec("0.05"))
	assert.ErrorIs(t, err, ErrAmountTooSmall)
	_, err = e.wallet.Deposit(e.ctx, e.user.ID, "paypal", dec("10"))
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = e.wallet.Deposit(e.ctx, 9999, db.ProviderCrypto, dec("10"))
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Empty(t, e.store.WalletOperations())
}

func TestDepositStarsAndConfirm(t *testing.T) {
	e := newTestEnv(t)

	dep, err := e.wallet.Deposit(e.ctx, e.user.ID, db.ProviderStars, dec("1"))
	require.NoError(t, err)
	assert.Equal(t, "XTR", dep.Currency)
	assert.True(t, dec("76").Equal(dep.Amount))
	assert.Equal(t, db.WalletOpPending, dep.Operation.Status)
	assert.Equal(t, fmt.Sprintf("wallet:%d", dep.Operation.ID), e.rails[db.ProviderStars].last().Payload)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(dep.Operation.Meta, &meta))
	assert.Equal(t, "XTR", meta["currency"])

	assert.True(t, e.rec.CanAccept(e.ctx, e.rails[db.ProviderStars].last().Payload))
	assert.Equal(t, OutcomeProcessed, e.confirm(t, db.ProviderStars))
	assert.Equal(t, OutcomeDuplicate, e.confirm(t, db.ProviderStars))

	assert.True(t, dec("1").Equal(e.store.Balance(e.user.ID)))
	op, err := e.wallet.Status(e.ctx, dep.Operation.ID, e.user.ID)
	require.NoError(t, err)
	assert.Equal(t, db.WalletOpCompleted, op.Status)
	require.NotNil(t, op.CompletedAt)
	assert.False(t, e.rec.CanAccept(e.ctx, e.rails[db.ProviderStars].last().Payload))

	_, err = e.wallet.Status(e.ctx, dep.Operation.ID, e.referrer.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)

	hist, err := e.wallet.History(e.ctx, e.user.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, db.TxDeposit, hist[0].Type)
	assert.NotEmpty(t, e.notes.to(e.user.TelegramID))
}

func TestDepositInvoiceFailure(t *testing.T) {
	e := newTestEnv(t)
	e.rails[db.ProviderYooKassa].err = errors.New("401 unauthorized")

	_, err := e.wallet.Deposit(e.ctx, e.user.ID, db.ProviderYooKassa, dec("10"))
	require.ErrorIs(t, err, ErrInvoiceFailed)
	ops := e.store.WalletOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, db.WalletOpFailed, ops[0].Status)
	assert.Empty(t, e.store.Payments())
}

func TestDepositThenBuyFromBalance(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.wallet.Deposit(e.ctx, e.user.ID, db.ProviderCrypto, dec("5"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, e.confirm(t, db.ProviderCrypto))

	_, err = e.orders.BuyFromBalance(e.ctx, e.user.ID, e.tariff.ID)
	require.NoError(t, err)

	bal, err := e.wallet.Balance(e.ctx, e.user.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestReferralAmount(t *testing.T) {
	assert.True(t, dec("0.37425").Equal(ReferralAmount(dec("4.99"), dec("7.5"))))
	assert.True(t, dec("0.5").Equal(ReferralAmount(dec("5"), dec("10"))))
	assert.True(t, ReferralAmount(dec("5"), dec("0")).IsZero())
}

func TestReferralStatsAndConfig(t *testing.T) {
	e := newTestEnv(t)
	e.store.SetBalance(e.user.ID, dec("10"))
	_, err := e.orders.BuyFromBalance(e.ctx, e.user.ID, e.tariff.ID)
	require.NoError(t, err)

	st, err := e.referral.Stats(e.ctx, e.referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Invited)
	assert.True(t, dec("0.5").Equal(st.Earned))
	assert.True(t, dec("10").Equal(st.Percent))

	_, err = e.referral.ActivateConfig(e.ctx, dec("0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = e.referral.ActivateConfig(e.ctx, dec("101"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	cfg, err := e.referral.ActivateConfig(e.ctx, dec("20"))
	require.NoError(t, err)
	assert.True(t, cfg.IsActive)

	// процент фиксируется на момент начисления
	_, err = e.orders.BuyFromBalance(e.ctx, e.user.ID, e.tariff.ID)
	require.NoError(t, err)
	earnings := e.store.Earnings()
	require.Len(t, earnings, 2)
	assert.True(t, dec("10").Equal(earnings[0].Percent))
	assert.True(t, dec("20").Equal(earnings[1].Percent))
	assert.True(t, dec("1.5").Equal(e.store.Balance(e.referrer.ID)))
}

func TestReferralSkipsUserWithoutReferrer(t *testing.T) {
	e := newTestEnv(t)
	e.store.SetBalance(e.referrer.ID, dec("5"))
	_, err := e.orders.BuyFromBalance(e.ctx, e.referrer.ID, e.tariff.ID)
	require.NoError(t, err)
	assert.Empty(t, e.store.Earnings())
}
