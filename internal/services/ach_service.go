package services

import (
	"encoding/xml"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/impactbank/backend/internal/models"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/spf13/viper"
)

// ACHService renders committed ACH payee payments as ISO 20022 pacs.008
// credit-transfer messages and hands them to the ACH gateway. Submission
// happens after the ledger transaction commits; a gateway failure is logged
// and never unwinds the posting.
type ACHService struct {
	originatorBIC string
}

func NewACHService() *ACHService {
	viper.SetDefault("ach.originator_bic", "IMPCTBNK")
	return &ACHService{
		originatorBIC: viper.GetString("ach.originator_bic"),
	}
}

// SubmitPayment builds and submits the credit transfer for one ACH payment.
// The payee must carry ACH routing and account numbers; without them the
// payment still posts, it just is not transmitted electronically.
func (s *ACHService) SubmitPayment(payment *models.Transaction, account *models.Account, payee *models.Payee) error {
	if payee.ACHRoutingNumber == nil || payee.ACHAccountNumber == nil {
		log.Printf("[ACH] Payee %s has no ACH details, skipping transmission", payee.ID)
		return nil
	}

	doc, err := s.BuildPacs008(payment, account, payee)
	if err != nil {
		return err
	}

	xmlData, err := s.MarshalXML(doc)
	if err != nil {
		return err
	}

	// Gateway stub: real transmission would hand the document to the ODFI.
	log.Printf("[ACH] Submitting pacs.008 for payment %s (%d bytes)", payment.TransactionID, len(xmlData))
	return nil
}

// BuildPacs008 constructs the pacs.008 FIToFICustomerCreditTransfer message
// for a payee payment entry.
func (s *ACHService) BuildPacs008(payment *models.Transaction, account *models.Account, payee *models.Payee) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	if payment.Amount >= 0 {
		return nil, fmt.Errorf("%w: payment entry must be a debit", ErrInvalidInput)
	}

	msgID := uuid.New().String()
	now := time.Now()
	amount := CentsToAmount(-payment.Amount).InexactFloat64()

	endToEnd := payment.TransactionID
	if payment.CorrelationID != nil {
		endToEnd = *payment.CorrelationID
	}

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   common.ActiveCurrencyCode("USD"),
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(payment.TransactionID)}[0],
					EndToEndId: common.Max35Text(endToEnd),
					TxId:       &[]common.Max35Text{common.Max35Text(payment.TransactionID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   common.ActiveCurrencyCode("USD"),
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&now),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier(s.originatorBIC)}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(account.Nickname)}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(*payee.ACHRoutingNumber),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(payee.Name)}[0],
				},
			},
		},
	}

	return doc, nil
}

// MarshalXML renders an ISO 20022 document with the XML header.
func (s *ACHService) MarshalXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}
