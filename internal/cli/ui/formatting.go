package ui

import (
	"fmt"
	"io"
	"time"

	"feedAudit/internal/failure"
	"feedAudit/internal/pipeline"
	"feedAudit/internal/proxy"
	"feedAudit/internal/run"
)

// FormatStatus возвращает иконку, цвет и текст для итога сессии
func FormatStatus(err error) (icon, color, text string) {
	if err == nil {
		return IconCheckmark, ColorGreen, "завершена"
	}
	if cat := failure.CategoryOf(err); cat != failure.CategoryUnknown {
		return IconCross, ColorRed, "ошибка (" + cat.String() + ")"
	}
	return IconCross, ColorRed, "ошибка"
}

// PrintResults выводит итоги сессий запуска и возвращает число неудачных.
func PrintResults(w io.Writer, runID uint, results []run.Result) int {
	failed := 0
	fmt.Fprintf(w, "\n"+ColorBold+IconList+" Запуск #%d"+ColorReset+"\n\n", runID)
	for _, res := range results {
		icon, color, text := FormatStatus(res.Err)
		fmt.Fprintf(w, "  "+ColorBold+"участник %d"+ColorReset+" %s%s %s"+ColorReset+" "+ColorGray+"%s"+ColorReset+"\n",
			res.Task.ParticipantID, color, icon, text, res.Duration.Round(time.Second))
		if res.Err != nil {
			failed++
		}
	}
	fmt.Fprintln(w)
	return failed
}

func PrintReport(w io.Writer, participantID int, r pipeline.Report) {
	fmt.Fprintf(w, ColorBold+IconChart+" Участник %d"+ColorReset+" "+ColorGray+"(%s, %s)"+ColorReset+"\n",
		participantID, r.Address.String(), r.Duration.Round(time.Second))
	fmt.Fprintf(w, "  пачек: %d, постов: %d, действий: %d\n", len(r.Batches), r.Items, r.Actions)
	if r.Unconfirmed > 0 || r.Uncaptured > 0 {
		fmt.Fprintf(w, "  "+ColorYellow+"неподтверждённых: %d, без данных: %d"+ColorReset+"\n", r.Unconfirmed, r.Uncaptured)
	}
}

func PrintSync(w io.Writer, r proxy.ReconcileReport) {
	fmt.Fprintf(w, ColorCyan+IconLoop+" Прокси сверены"+ColorReset+": добавлено %d, удалено %d, оставлено занятых %d\n",
		r.Added, r.Removed, r.Kept)
}
