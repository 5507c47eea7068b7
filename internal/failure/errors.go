// Package failure описывает классификацию ошибок сессии и ограниченные циклы повторов.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Category определяет класс ошибки и политику её обработки.
type Category int

const (
	CategoryUnknown Category = iota
	// CategoryTransport: прокси недоступен или соединение оборвано. Ротация адреса.
	CategoryTransport
	// CategoryTiming: элемент ещё не появился или пост не сменился. Локальный повтор.
	CategoryTiming
	// CategoryDatastore: потеря соединения с БД. Переподключение и повтор записи.
	CategoryDatastore
	// CategoryVerification: код подтверждения устарел или не распознан.
	CategoryVerification
	// CategoryReconciliation: элемент перехвачен, но не отрисован. Не фатально.
	CategoryReconciliation
	// CategoryContract: нарушение контракта (например, длины плана). Фатально сразу.
	CategoryContract
)

func (c Category) String() string {
	switch c {
	case CategoryTransport:
		return "transport"
	case CategoryTiming:
		return "timing"
	case CategoryDatastore:
		return "datastore"
	case CategoryVerification:
		return "verification"
	case CategoryReconciliation:
		return "reconciliation"
	case CategoryContract:
		return "contract"
	default:
		return "unknown"
	}
}

type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("[%s] %v", e.Category, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New оборачивает err в классифицированную ошибку. nil остаётся nil.
func New(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

func Transport(op string, err error) error      { return New(CategoryTransport, op, err) }
func Timing(op string, err error) error         { return New(CategoryTiming, op, err) }
func Datastore(op string, err error) error      { return New(CategoryDatastore, op, err) }
func Verification(op string, err error) error   { return New(CategoryVerification, op, err) }
func Reconciliation(op string, err error) error { return New(CategoryReconciliation, op, err) }
func Contract(op string, err error) error       { return New(CategoryContract, op, err) }

// CategoryOf возвращает категорию первой классифицированной ошибки в цепочке.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryUnknown
}

// transportMarkers - сообщения драйвера браузера, означающие отказ прокси или сети.
var transportMarkers = []string{
	"ERR_PROXY_CONNECTION_FAILED",
	"ERR_TUNNEL_CONNECTION_FAILED",
	"ERR_CONNECTION_CLOSED",
	"ERR_CONNECTION_RESET",
	"ERR_CONNECTION_REFUSED",
	"ERR_TIMED_OUT",
	"ERR_EMPTY_RESPONSE",
	"NS_ERROR_PROXY_CONNECTION_REFUSED",
	"NS_ERROR_PROXY_BAD_GATEWAY",
	"NS_ERROR_NET_RESET",
	"NS_ERROR_NET_INTERRUPT",
	"NS_ERROR_CONNECTION_REFUSED",
	"ECONNREFUSED",
	"ECONNRESET",
}

// IsTransport определяет, что ошибка вызвана недоступностью адреса выхода.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if CategoryOf(err) == CategoryTransport {
		return true
	}

	errStr := err.Error()
	for _, marker := range transportMarkers {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}
