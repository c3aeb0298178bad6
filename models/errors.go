package models

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

type ErrorCode string

const (
	ErrorCodeInvalidAmount          ErrorCode = "CAP-1001"
	ErrorCodeUnknownTransactionType ErrorCode = "CAP-1002"
	ErrorCodeInvalidDirection       ErrorCode = "CAP-1003"
	ErrorCodeInvalidInput           ErrorCode = "CAP-1004"
	ErrorCodeInsufficientFunds      ErrorCode = "CAP-2001"
	ErrorCodeInsufficientStock      ErrorCode = "CAP-2002"
	ErrorCodeOverCollection         ErrorCode = "CAP-2003"
	ErrorCodeDuplicateCorrection    ErrorCode = "CAP-2004"
	ErrorCodeDriftReportClosed      ErrorCode = "CAP-2005"
	ErrorCodeVendorExists           ErrorCode = "CAP-2006"
	ErrorCodeDriftReportStale       ErrorCode = "CAP-2007"
	ErrorCodeLockTimeout            ErrorCode = "CAP-3001"
	ErrorCodeConcurrentModification ErrorCode = "CAP-3002"
	ErrorCodeDriftDetected          ErrorCode = "CAP-4001"
	ErrorCodeLedgerIntegrity        ErrorCode = "CAP-5001"
	ErrorCodeVendorNotFound         ErrorCode = "CAP-6001"
	ErrorCodeStockItemNotFound      ErrorCode = "CAP-6002"
	ErrorCodeDriftReportNotFound    ErrorCode = "CAP-6003"
)

// ErrorClass lets callers tell a business rule violation from contention
// from something a human has to look at.
type ErrorClass string

const (
	ErrorClassInvalidInput ErrorClass = "INVALID_INPUT"
	ErrorClassBusinessRule ErrorClass = "BUSINESS_RULE"
	ErrorClassContention   ErrorClass = "CONTENTION"
	ErrorClassReview       ErrorClass = "REVIEW"
	ErrorClassIntegrity    ErrorClass = "INTEGRITY"
	ErrorClassNotFound     ErrorClass = "NOT_FOUND"
)

type CapitalError struct {
	Code    ErrorCode
	Class   ErrorClass
	Message string
}

func (e *CapitalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so a detailed error still satisfies errors.Is(err, ErrInsufficientFunds).
func (e *CapitalError) Is(target error) bool {
	t, ok := target.(*CapitalError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidAmount          = &CapitalError{Code: ErrorCodeInvalidAmount, Class: ErrorClassInvalidInput, Message: "amount must be greater than zero"}
	ErrUnknownTransactionType = &CapitalError{Code: ErrorCodeUnknownTransactionType, Class: ErrorClassInvalidInput, Message: "unknown transaction type"}
	ErrInvalidDirection       = &CapitalError{Code: ErrorCodeInvalidDirection, Class: ErrorClassInvalidInput, Message: "invalid transaction direction"}
	ErrInvalidInput           = &CapitalError{Code: ErrorCodeInvalidInput, Class: ErrorClassInvalidInput, Message: "invalid input"}
	ErrInsufficientFunds      = &CapitalError{Code: ErrorCodeInsufficientFunds, Class: ErrorClassBusinessRule, Message: "insufficient capital"}
	ErrInsufficientStock      = &CapitalError{Code: ErrorCodeInsufficientStock, Class: ErrorClassBusinessRule, Message: "insufficient stock"}
	ErrOverCollection         = &CapitalError{Code: ErrorCodeOverCollection, Class: ErrorClassBusinessRule, Message: "collection exceeds pending amount"}
	ErrDuplicateCorrection    = &CapitalError{Code: ErrorCodeDuplicateCorrection, Class: ErrorClassBusinessRule, Message: "correction already applied"}
	ErrDriftReportClosed      = &CapitalError{Code: ErrorCodeDriftReportClosed, Class: ErrorClassBusinessRule, Message: "drift report is not open"}
	ErrDriftReportStale       = &CapitalError{Code: ErrorCodeDriftReportStale, Class: ErrorClassBusinessRule, Message: "drift report no longer matches the ledger"}
	ErrVendorExists           = &CapitalError{Code: ErrorCodeVendorExists, Class: ErrorClassBusinessRule, Message: "vendor already exists"}
	ErrLockTimeout            = &CapitalError{Code: ErrorCodeLockTimeout, Class: ErrorClassContention, Message: "vendor capital lock timeout"}
	ErrConcurrentModification = &CapitalError{Code: ErrorCodeConcurrentModification, Class: ErrorClassContention, Message: "vendor capital modified concurrently"}
	ErrDriftDetected          = &CapitalError{Code: ErrorCodeDriftDetected, Class: ErrorClassReview, Message: "capital drift detected"}
	ErrLedgerIntegrity        = &CapitalError{Code: ErrorCodeLedgerIntegrity, Class: ErrorClassIntegrity, Message: "capital ledger integrity violation"}
	ErrVendorNotFound         = &CapitalError{Code: ErrorCodeVendorNotFound, Class: ErrorClassNotFound, Message: "vendor not found"}
	ErrStockItemNotFound      = &CapitalError{Code: ErrorCodeStockItemNotFound, Class: ErrorClassNotFound, Message: "stock item not found"}
	ErrDriftReportNotFound    = &CapitalError{Code: ErrorCodeDriftReportNotFound, Class: ErrorClassNotFound, Message: "drift report not found"}
)

// NewCapitalError keeps the code and class of base with a detailed message.
func NewCapitalError(base *CapitalError, format string, args ...any) error {
	return &CapitalError{
		Code:    base.Code,
		Class:   base.Class,
		Message: fmt.Sprintf(format, args...),
	}
}

func errorClassOf(err error) (ErrorClass, bool) {
	var ce *CapitalError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return "", false
}

// IsBusinessRuleViolation reports rejections the caller can fix by changing the request.
func IsBusinessRuleViolation(err error) bool {
	class, ok := errorClassOf(err)
	return ok && (class == ErrorClassBusinessRule || class == ErrorClassInvalidInput)
}

// IsContention reports lock timeouts and lost optimistic updates; the caller may retry with backoff.
func IsContention(err error) bool {
	class, ok := errorClassOf(err)
	return ok && class == ErrorClassContention
}

// NeedsReview reports results that must go to an operator (drift, ledger integrity).
func NeedsReview(err error) bool {
	class, ok := errorClassOf(err)
	return ok && (class == ErrorClassReview || class == ErrorClassIntegrity)
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
