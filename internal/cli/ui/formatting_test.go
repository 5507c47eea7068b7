package ui

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"feedAudit/internal/failure"
	"feedAudit/internal/pipeline"
	"feedAudit/internal/proxy"
	"feedAudit/internal/run"

	"github.com/stretchr/testify/assert"
)

func TestFormatStatus(t *testing.T) {
	icon, color, text := FormatStatus(nil)
	assert.Equal(t, IconCheckmark, icon)
	assert.Equal(t, ColorGreen, color)
	assert.Equal(t, "завершена", text)

	_, color, text = FormatStatus(failure.Transport("navigate", errors.New("refused")))
	assert.Equal(t, ColorRed, color)
	assert.Equal(t, "ошибка (transport)", text)

	_, _, text = FormatStatus(errors.New("exit status 1"))
	assert.Equal(t, "ошибка", text)
}

func TestPrintResultsCountsFailures(t *testing.T) {
	var buf bytes.Buffer
	failed := PrintResults(&buf, 12, []run.Result{
		{Task: run.Task{RunID: 12, ParticipantID: 1}, Duration: 3 * time.Minute},
		{Task: run.Task{RunID: 12, ParticipantID: 2}, Err: errors.New("exit status 1")},
	})

	assert.Equal(t, 1, failed)
	assert.Contains(t, buf.String(), "Запуск #12")
	assert.Contains(t, buf.String(), "участник 2")
	assert.Contains(t, buf.String(), "3m0s")
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, 4, pipeline.Report{
		Address: proxy.Address{Host: "10.0.0.1", Port: 8080},
		Items:   10,
		Actions: 2,
	})
	assert.Contains(t, buf.String(), "10.0.0.1:8080")
	assert.Contains(t, buf.String(), "постов: 10, действий: 2")
	assert.NotContains(t, buf.String(), "неподтверждённых")

	buf.Reset()
	PrintSync(&buf, proxy.ReconcileReport{Added: 3, Removed: 1, Kept: 2})
	assert.Contains(t, buf.String(), "добавлено 3, удалено 1, оставлено занятых 2")
}
