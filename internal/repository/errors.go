package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrGenerationNotFound     = errors.New("generation not found")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrReconciliationConflict = errors.New("generation status changed concurrently")
	ErrDuplicate              = errors.New("duplicate record")
	ErrPromoExhausted         = errors.New("promo code exhausted")
	ErrPaymentNotFound        = errors.New("payment not found")
)

const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
