package dispatch

import (
	"context"

	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/providers"

	"golang.org/x/sync/errgroup"
)

// SendBulk dispatches req to every guest independently. Guests are processed
// in batches of Config.BatchSize with at most Config.Workers concurrent
// preparations and provider calls; providers that batch receive one call per
// batch. Every guest still gets its own attempt. Once the quota of a channel
// is exhausted, later guests on that channel fail QUOTA_EXCEEDED without a
// claim or a provider call.
func (d *Dispatcher) SendBulk(ctx context.Context, guestIDs []string, req Request, progress ProgressFunc) *BulkResult {
	r := newRun()
	result := newBulkResult(len(guestIDs), d.cfg.MaxErrors)
	done := 0

	for start := 0; start < len(guestIDs); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(guestIDs))
		chunk := guestIDs[start:end]

		jobs := make([]*job, len(chunk))
		if err := ctx.Err(); err != nil {
			for i, id := range chunk {
				jobs[i] = d.record((&job{outcome: Outcome{GuestID: id, Type: req.Type}}).
					stop(StatusFailed, models.KindTransient, "bulk run cancelled: "+err.Error()))
			}
		} else {
			var g errgroup.Group
			g.SetLimit(d.cfg.Workers)
			for i, id := range chunk {
				g.Go(func() error {
					jobs[i] = d.prepare(ctx, r, id, req)
					return nil
				})
			}
			g.Wait()

			var ready []*job
			for _, j := range jobs {
				if !j.done {
					ready = append(ready, j)
				}
			}
			d.deliver(ctx, ready)
			for _, j := range ready {
				d.finish(ctx, r, j)
			}
		}

		for _, j := range jobs {
			result.add(j.outcome)
			done++
			if progress != nil {
				progress(done, len(guestIDs))
			}
		}
	}

	d.log.Info().
		Str("type", req.Type).
		Int("total", result.Total).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Bulk dispatch finished")
	return result
}

// deliver performs the provider calls of prepared jobs, grouping them per
// provider so batch-capable providers get one call.
func (d *Dispatcher) deliver(ctx context.Context, jobs []*job) {
	var (
		order   []providers.Provider
		grouped = make(map[providers.Provider][]*job)
	)
	for _, j := range jobs {
		if _, ok := grouped[j.provider]; !ok {
			order = append(order, j.provider)
		}
		grouped[j.provider] = append(grouped[j.provider], j)
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Workers)
	for _, p := range order {
		group := grouped[p]
		if sender, ok := p.(providers.BatchSender); ok && len(group) > 1 {
			g.Go(func() error {
				msgs := make([]providers.Message, len(group))
				for i, j := range group {
					msgs[i] = j.msg
				}
				for i, res := range d.sendBatch(ctx, p, sender, msgs) {
					group[i].result = res
				}
				return nil
			})
			continue
		}
		for _, j := range group {
			g.Go(func() error {
				j.result = d.sendOne(ctx, p, j.msg)
				return nil
			})
		}
	}
	g.Wait()
}
