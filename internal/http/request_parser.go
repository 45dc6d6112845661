// Package http exposes the ledger as a JSON API.
//
// This file implements request decoding: JSON bodies, path ids and the
// date window query parameters.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wallet/internal/core"
)

const maxBodyBytes = 64 << 10

// errMalformed marks input that is not even shaped like a request.
var errMalformed = errors.New("malformed request")

type addTransactionRequest struct {
	IsIncome bool       `json:"is_income"`
	Amount   core.Money `json:"amount"`
	Category string     `json:"category"`
	Date     string     `json:"date"`
	Message  string     `json:"message"`
}

// Transaction converts the request into a domain value. Validation is
// left to the ledger.
func (req addTransactionRequest) Transaction() (core.Transaction, error) {
	date, err := core.ParseDate(req.Date)
	if err != nil {
		return core.Transaction{}, err
	}
	return core.Transaction{
		IsIncome: req.IsIncome,
		Amount:   req.Amount,
		Category: sanitizeInput(req.Category),
		Date:     date,
		Message:  sanitizeInput(req.Message),
	}, nil
}

type amendTransactionRequest struct {
	Amount   *core.Money `json:"amount"`
	Category string      `json:"category"`
	Date     string      `json:"date"`
	Message  string      `json:"message"`
}

// decodeJSON reads one JSON object from the request body into dst.
// Amount parse failures keep their domain error so they map to 422.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if core.IsValidation(err) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errMalformed)
		}
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after JSON object", errMalformed)
	}
	return nil
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid transaction id %q", errMalformed, raw)
	}
	return id, nil
}

// parseDirection reads the income query flag. It defaults to expenses.
func parseDirection(query url.Values) (bool, error) {
	v := strings.TrimSpace(query.Get("income"))
	if v == "" {
		return false, nil
	}
	income, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: income must be true or false", errMalformed)
	}
	return income, nil
}

// DateWindow is an inclusive [From, To] range of calendar dates.
type DateWindow struct {
	From core.Date
	To   core.Date
}

// ParseDateWindow reads from and to (YYYY-MM-DD). When both are omitted
// and defaultMonth is set, the window covers the month containing now.
func ParseDateWindow(query url.Values, now time.Time, defaultMonth bool) (DateWindow, error) {
	fromRaw := strings.TrimSpace(query.Get("from"))
	toRaw := strings.TrimSpace(query.Get("to"))

	if fromRaw == "" && toRaw == "" && defaultMonth {
		first := core.NewDate(now.Year(), int(now.Month()), 1)
		last := core.Date{Time: first.AddDate(0, 1, -1)}
		return DateWindow{From: first, To: last}, nil
	}

	from, err := core.ParseDate(fromRaw)
	if err != nil {
		return DateWindow{}, fmt.Errorf("from: %w", err)
	}
	to, err := core.ParseDate(toRaw)
	if err != nil {
		return DateWindow{}, fmt.Errorf("to: %w", err)
	}
	if to.Before(from.Time) {
		return DateWindow{}, fmt.Errorf("to before from: %w", core.ErrInvalidDate)
	}
	return DateWindow{From: from, To: to}, nil
}

// sanitizeInput removes control characters except tab and newlines and
// trims surrounding whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
