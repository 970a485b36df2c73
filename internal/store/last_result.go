package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/kjstillabower/weather-lookup-service/internal/models"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New() })
	return validate
}

// LastResult is the single-slot cache of the last successful lookup. Last write wins.
type LastResult struct {
	ns *Namespace
}

// NewLastResult returns the last-result slot in ns.
func NewLastResult(ns *Namespace) *LastResult {
	return &LastResult{ns: ns}
}

// Get returns the stored record. Missing, malformed or invalid data is reported as absent
// (ok=false, err=nil); only backend failures return an error.
func (l *LastResult) Get(ctx context.Context) (models.WeatherRecord, bool, error) {
	raw, ok, err := l.ns.GetString(ctx, KeyLastSearch)
	if err != nil {
		return models.WeatherRecord{}, false, fmt.Errorf("read last result: %w", err)
	}
	if !ok {
		return models.WeatherRecord{}, false, nil
	}
	var rec models.WeatherRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		RecordDecodeFailure("get")
		return models.WeatherRecord{}, false, nil
	}
	if err := recordValidator().Struct(rec); err != nil {
		RecordDecodeFailure("get")
		return models.WeatherRecord{}, false, nil
	}
	return rec, true, nil
}

// Set replaces the stored record.
func (l *LastResult) Set(ctx context.Context, rec models.WeatherRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode last result: %w", err)
	}
	if err := l.ns.SetString(ctx, KeyLastSearch, string(raw)); err != nil {
		return fmt.Errorf("write last result: %w", err)
	}
	return nil
}
