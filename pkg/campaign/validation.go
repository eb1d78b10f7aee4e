// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package campaign

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/telekom/mail-courier/pkg/config"
	"github.com/telekom/mail-courier/pkg/mail"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request structure and parses its template. All
// problems are reported together in a *ValidationError.
func (r *BulkSendRequest) Validate() (*mail.CompiledTemplate, error) {
	var problems []string

	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, &ValidationError{Problems: []string{err.Error()}}
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
		}
	}

	if o := r.SendOptions; o != nil {
		if o.BatchSize <= 0 {
			problems = append(problems, "send_options.batch_size must be positive")
		}
		if o.MaxConcurrentBatches < 0 {
			problems = append(problems, "send_options.max_concurrent_batches must not be negative")
		}
		if o.SendConcurrency < 0 {
			problems = append(problems, "send_options.send_concurrency must not be negative")
		}
		if o.DelayBetweenBatches != nil && o.DelayBetweenBatches.Duration < 0 {
			problems = append(problems, "send_options.delay_between_batches must not be negative")
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	tmpl, err := mail.Compile(r.Template)
	if err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	return tmpl, nil
}

// effectiveOptions is SendOptions merged over the configured defaults.
type effectiveOptions struct {
	batchSize       int
	maxConcurrent   int
	delay           time.Duration
	sendConcurrency int
	retryFailed     bool
}

func resolveOptions(opts *SendOptions, def config.Campaign) effectiveOptions {
	eff := effectiveOptions{
		batchSize:       def.BatchSize,
		maxConcurrent:   def.MaxConcurrentBatches,
		delay:           def.DelayBetweenBatches,
		sendConcurrency: def.SendConcurrency,
		retryFailed:     true,
	}
	if opts != nil {
		eff.batchSize = opts.BatchSize
		if opts.MaxConcurrentBatches > 0 {
			eff.maxConcurrent = opts.MaxConcurrentBatches
		}
		if opts.DelayBetweenBatches != nil {
			eff.delay = opts.DelayBetweenBatches.Duration
		}
		if opts.SendConcurrency > 0 {
			eff.sendConcurrency = opts.SendConcurrency
		}
		if opts.RetryFailed != nil {
			eff.retryFailed = *opts.RetryFailed
		}
	}
	if eff.batchSize <= 0 {
		eff.batchSize = 50
	}
	if eff.maxConcurrent <= 0 {
		eff.maxConcurrent = 1
	}
	if eff.sendConcurrency <= 0 {
		eff.sendConcurrency = 1
	}
	return eff
}

// partition splits recipients into ordered batches of at most size.
func partition(recipients []Recipient, size int) [][]Recipient {
	batches := make([][]Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		batches = append(batches, recipients[start:end])
	}
	return batches
}
