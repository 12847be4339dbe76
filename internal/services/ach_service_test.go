package services

import (
	"testing"

	"github.com/impactbank/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func achFixtures() (*models.Transaction, *models.Account, *models.Payee) {
	corr := "corr-ach-1"
	routing := "021000021"
	acctNum := "987654321"
	payment := &models.Transaction{
		TransactionID: "tx-ach-1",
		AccountID:     "acct-1",
		Amount:        -12550,
		Type:          models.TypeACHPayment,
		Status:        models.StatusCleared,
		CorrelationID: &corr,
	}
	account := &models.Account{
		ID:            "acct-1",
		Nickname:      "Business",
		AccountNumber: "1234567890",
		RoutingNumber: "021000021",
	}
	payee := &models.Payee{
		ID:               "payee-1",
		Name:             "Acme Supplies",
		ACHAccountNumber: &acctNum,
		ACHRoutingNumber: &routing,
	}
	return payment, account, payee
}

func TestACHService_BuildPacs008(t *testing.T) {
	service := NewACHService()

	t.Run("builds credit transfer from payment entry", func(t *testing.T) {
		payment, account, payee := achFixtures()

		doc, err := service.BuildPacs008(payment, account, payee)
		assert.NoError(t, err)

		assert.Equal(t, "1", string(doc.GrpHdr.NbOfTxs))
		assert.Equal(t, "USD", string(doc.GrpHdr.TtlIntrBkSttlmAmt.Ccy))
		assert.InDelta(t, 125.50, doc.GrpHdr.TtlIntrBkSttlmAmt.Value, 0.001)

		assert.Len(t, doc.CdtTrfTxInf, 1)
		tx := doc.CdtTrfTxInf[0]
		assert.Equal(t, "corr-ach-1", string(tx.PmtId.EndToEndId))
		assert.Equal(t, "tx-ach-1", string(*tx.PmtId.TxId))
		assert.InDelta(t, 125.50, tx.IntrBkSttlmAmt.Value, 0.001)
		assert.Equal(t, "Acme Supplies", string(*tx.Cdtr.Nm))
		assert.Equal(t, "021000021", string(tx.CdtrAgt.FinInstnId.ClrSysMmbId.MmbId))
	})

	t.Run("falls back to transaction id without correlation", func(t *testing.T) {
		payment, account, payee := achFixtures()
		payment.CorrelationID = nil

		doc, err := service.BuildPacs008(payment, account, payee)
		assert.NoError(t, err)
		assert.Equal(t, "tx-ach-1", string(doc.CdtTrfTxInf[0].PmtId.EndToEndId))
	})

	t.Run("rejects credit entries", func(t *testing.T) {
		payment, account, payee := achFixtures()
		payment.Amount = 12550

		_, err := service.BuildPacs008(payment, account, payee)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestACHService_SubmitPayment(t *testing.T) {
	service := NewACHService()

	t.Run("skips payees without ACH details", func(t *testing.T) {
		payment, account, payee := achFixtures()
		payee.ACHRoutingNumber = nil

		err := service.SubmitPayment(payment, account, payee)
		assert.NoError(t, err)
	})

	t.Run("marshals and submits a complete payment", func(t *testing.T) {
		payment, account, payee := achFixtures()

		err := service.SubmitPayment(payment, account, payee)
		assert.NoError(t, err)
	})
}

func TestACHService_MarshalXML(t *testing.T) {
	service := NewACHService()
	payment, account, payee := achFixtures()

	doc, err := service.BuildPacs008(payment, account, payee)
	assert.NoError(t, err)

	xmlData, err := service.MarshalXML(doc)
	assert.NoError(t, err)
	assert.Contains(t, xmlData, "<?xml version=")
	assert.Contains(t, xmlData, "corr-ach-1")
	assert.Contains(t, xmlData, "Acme Supplies")
}
