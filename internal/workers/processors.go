package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MultiProcessor runs every processor for each record, in order. A failing
// processor does not stop the ones after it.
type MultiProcessor struct {
	processors []CallRecordProcessor
}

func NewMultiProcessor(processors ...CallRecordProcessor) *MultiProcessor {
	return &MultiProcessor{processors: processors}
}

func (m *MultiProcessor) Name() string {
	names := make([]string, 0, len(m.processors))
	for _, p := range m.processors {
		names = append(names, p.Name())
	}
	return strings.Join(names, "+")
}

func (m *MultiProcessor) Process(ctx context.Context, record CallRecord) error {
	var errs []error
	for _, p := range m.processors {
		if err := p.Process(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Len is the number of wrapped processors.
func (m *MultiProcessor) Len() int {
	return len(m.processors)
}
