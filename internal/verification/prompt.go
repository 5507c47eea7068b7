package verification

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"feedAudit/internal/sanitizer"
)

// PromptSource спрашивает текст SMS у оператора. Пустой ответ означает, что сообщения ещё нет.
type PromptSource struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
	clean  *sanitizer.DataSanitizer
}

func NewPromptSource(in io.Reader, out io.Writer) *PromptSource {
	return &PromptSource{
		reader: bufio.NewReader(in),
		out:    out,
		clean:  sanitizer.New(),
	}
}

func (p *PromptSource) LatestMessage(ctx context.Context, phone string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n[SMS] Введите текст последнего сообщения для %s (пусто - ещё не пришло): ", p.clean.Sanitize(phone))

	answerChan := make(chan string, 1)
	errChan := make(chan error, 1)

	go func() {
		answer, err := p.reader.ReadString('\n')
		if err != nil && answer == "" {
			errChan <- err
			return
		}
		answerChan <- strings.TrimSpace(answer)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-errChan:
		return "", err
	case answer := <-answerChan:
		return answer, nil
	}
}

var _ MessageSource = (*PromptSource)(nil)
