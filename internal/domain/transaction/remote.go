package transaction

import (
	"fmt"

	ofclient "banklink/internal/infrastructure/openfinance"
)

// FromRemote converts an aggregator transaction into upsert parameters for
// the given local account.
func FromRemote(accountID string, userID int64, accountCurrency string, tx ofclient.Transaction) (UpsertParams, error) {
	amount, err := tx.GetAmount()
	if err != nil {
		return UpsertParams{}, err
	}
	date, err := tx.GetDate()
	if err != nil {
		return UpsertParams{}, err
	}
	booking, err := tx.GetBookingDate()
	if err != nil {
		return UpsertParams{}, err
	}

	currency := tx.Currency
	if currency == "" {
		currency = accountCurrency
	}
	if currency == "" {
		return UpsertParams{}, fmt.Errorf("transaction %q has no currency", tx.ID)
	}

	return UpsertParams{
		AccountID:   accountID,
		UserID:      userID,
		RemoteID:    tx.ID,
		Description: tx.Description,
		Amount:      amount,
		Currency:    currency,
		Date:        date,
		BookingDate: booking,
		Type:        NormalizeType(tx.Type, amount),
		Status:      NormalizeStatus(tx.Status),
		Category:    tx.Category,
	}, nil
}
