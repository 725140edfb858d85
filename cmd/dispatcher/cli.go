package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"wedding-dispatch/internal/dispatch"
	"wedding-dispatch/internal/handler"
	"wedding-dispatch/internal/models"
	"wedding-dispatch/internal/quota"
	"wedding-dispatch/internal/scheduler"
	"wedding-dispatch/internal/storage"
	"wedding-dispatch/internal/templates"
)

// operatorCLI is the interactive console for event organizers.
type operatorCLI struct {
	store      *storage.Storage
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	registry   *templates.Registry
	ledger     *quota.Ledger
	rsvp       *handler.RSVPHandler
	in         io.Reader
	out        io.Writer
	scanner    *bufio.Scanner
}

func (c *operatorCLI) run(ctx context.Context) {
	c.scanner = bufio.NewScanner(c.in)

	for ctx.Err() == nil {
		fmt.Fprintln(c.out, "\nCommands:")
		fmt.Fprintln(c.out, "  1. Create event")
		fmt.Fprintln(c.out, "  2. Send invitation")
		fmt.Fprintln(c.out, "  3. Bulk send")
		fmt.Fprintln(c.out, "  4. View guests")
		fmt.Fprintln(c.out, "  5. Run due flows now")
		fmt.Fprintln(c.out, "  6. Sync template approvals")
		fmt.Fprintln(c.out, "  7. Quota usage")
		fmt.Fprint(c.out, "\nEnter command (1-7): ")

		if !c.scanner.Scan() {
			return
		}

		switch strings.TrimSpace(c.scanner.Text()) {
		case "1":
			c.createEvent(ctx)
		case "2":
			c.sendInvitation(ctx)
		case "3":
			c.bulkSend(ctx)
		case "4":
			c.viewGuests(ctx)
		case "5":
			c.pollNow(ctx)
		case "6":
			c.syncTemplates(ctx)
		case "7":
			c.quotaUsage(ctx)
		default:
			fmt.Fprintln(c.out, "Invalid command. Please try again.")
		}
	}
}

func (c *operatorCLI) prompt(label string) (string, bool) {
	fmt.Fprint(c.out, label)
	if !c.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(c.scanner.Text()), true
}

func (c *operatorCLI) createEvent(ctx context.Context) {
	tenantID, ok := c.prompt("Tenant id: ")
	if !ok {
		return
	}
	plan, ok := c.prompt("Plan (basic/premium): ")
	if !ok {
		return
	}
	name, ok := c.prompt("Event name: ")
	if !ok {
		return
	}
	when, ok := c.prompt("Starts at (2006-01-02 15:04): ")
	if !ok {
		return
	}
	location, ok := c.prompt("Location: ")
	if !ok {
		return
	}

	startsAt, err := time.ParseInLocation("2006-01-02 15:04", when, time.Local)
	if err != nil {
		fmt.Fprintf(c.out, "❌ Invalid date: %v\n", err)
		return
	}
	if err := c.store.CreateTenant(ctx, models.Tenant{ID: tenantID, Plan: plan}); err != nil {
		fmt.Fprintf(c.out, "❌ Error saving tenant: %v\n", err)
		return
	}
	event := &models.Event{TenantID: tenantID, Name: name, StartsAt: startsAt, Location: location}
	if err := c.store.CreateEvent(ctx, event); err != nil {
		fmt.Fprintf(c.out, "❌ Error creating event: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "✅ Event created: %s\n", event.ID)
}

func (c *operatorCLI) sendInvitation(ctx context.Context) {
	eventID, ok := c.prompt("Event id: ")
	if !ok {
		return
	}
	name, ok := c.prompt("Enter guest name: ")
	if !ok {
		return
	}
	number, ok := c.prompt("Enter phone number (e.g., 0501234567 or +972501234567): ")
	if !ok {
		return
	}

	fmt.Fprintf(c.out, "\nSending invitation to %s (%s)...\n", name, number)
	guest, out, err := c.rsvp.Invite(ctx, eventID, name, number)
	if err != nil {
		fmt.Fprintf(c.out, "❌ Error sending invitation: %v\n", err)
		return
	}
	printOutcome(c.out, guest.Name, out)
}

func (c *operatorCLI) bulkSend(ctx context.Context) {
	eventID, ok := c.prompt("Event id: ")
	if !ok {
		return
	}
	msgType, ok := c.prompt("Message type (e.g. invitation, reminder): ")
	if !ok {
		return
	}
	audience, ok := c.prompt("RSVP status filter (empty for all): ")
	if !ok {
		return
	}

	guests, err := c.listGuests(ctx, eventID, models.RSVPStatus(audience))
	if err != nil {
		fmt.Fprintf(c.out, "❌ Error loading guests: %v\n", err)
		return
	}
	ids := make([]string, 0, len(guests))
	for _, g := range guests {
		ids = append(ids, g.ID)
	}

	last := -1
	res := c.dispatcher.SendBulk(ctx, ids, dispatch.Request{Type: msgType}, func(done, total int) {
		if p := dispatch.Percent(done, total); p/10 != last/10 {
			last = p
			fmt.Fprintf(c.out, "  %d%% (%d/%d)\n", p, done, total)
		}
	})

	fmt.Fprintf(c.out, "\n📊 Sent %d, skipped %d, failed %d of %d\n", res.Sent, res.Skipped, res.Failed, res.Total)
	for _, e := range res.Errors {
		fmt.Fprintf(c.out, "  - %s\n", e)
	}
}

func (c *operatorCLI) listGuests(ctx context.Context, eventID string, status models.RSVPStatus) ([]models.Guest, error) {
	if status == "" {
		return c.store.ListGuests(ctx, eventID)
	}
	return c.store.ListGuestsByStatus(ctx, eventID, status)
}

func (c *operatorCLI) viewGuests(ctx context.Context) {
	eventID, ok := c.prompt("Event id: ")
	if !ok {
		return
	}
	status, ok := c.prompt("RSVP status filter (pending/accepted/declined, empty for all): ")
	if !ok {
		return
	}

	guests, err := c.listGuests(ctx, eventID, models.RSVPStatus(status))
	if err != nil {
		fmt.Fprintf(c.out, "❌ Error loading guests: %v\n", err)
		return
	}
	if len(guests) == 0 {
		fmt.Fprintln(c.out, "\nNo guests found.")
		return
	}

	fmt.Fprintf(c.out, "\n📋 Guests (%d total):\n", len(guests))
	fmt.Fprintln(c.out, strings.Repeat("-", 60))
	for _, guest := range guests {
		fmt.Fprintf(c.out, "Name: %s\n", guest.Name)
		fmt.Fprintf(c.out, "Phone: %s\n", guest.PhoneNumber)
		fmt.Fprintf(c.out, "Status: %s\n", guest.RSVPStatus)
		if !guest.RSVPDate.IsZero() {
			fmt.Fprintf(c.out, "RSVP Date: %s\n", guest.RSVPDate.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintln(c.out, strings.Repeat("-", 60))
	}
}

func (c *operatorCLI) pollNow(ctx context.Context) {
	eventID, ok := c.prompt("Event id: ")
	if !ok {
		return
	}
	res, err := c.scheduler.PollDue(ctx, eventID)
	if err != nil {
		fmt.Fprintf(c.out, "❌ Error running flows: %v\n", err)
		return
	}
	if len(res.Flows) == 0 {
		fmt.Fprintln(c.out, "No flows are due.")
	}
	for _, f := range res.Flows {
		if f.Result != nil {
			fmt.Fprintf(c.out, "%s → %s: sent %d, skipped %d, failed %d\n",
				f.Trigger, f.Action, f.Result.Sent, f.Result.Skipped, f.Result.Failed)
		}
		if len(f.Held) > 0 {
			fmt.Fprintf(c.out, "⚠️  %s → %s: %d guests held after a permanent failure, resend them manually\n",
				f.Trigger, f.Action, len(f.Held))
		}
	}
	for number, ids := range res.DuplicatePhones {
		fmt.Fprintf(c.out, "⚠️  %d guests share %s; only the first was messaged\n", len(ids), number)
	}
}

func (c *operatorCLI) syncTemplates(ctx context.Context) {
	changed, err := c.registry.SyncAll(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "❌ Error syncing templates: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "✅ %d template(s) changed status\n", changed)
}

func (c *operatorCLI) quotaUsage(ctx context.Context) {
	tenantID, ok := c.prompt("Tenant id: ")
	if !ok {
		return
	}
	for _, ch := range models.Channels {
		usage, err := c.ledger.Usage(ctx, tenantID, ch)
		if err != nil {
			fmt.Fprintf(c.out, "%s: error: %v\n", ch, err)
			continue
		}
		limit := fmt.Sprint(usage.Limit)
		if usage.Limit < 0 {
			limit = "unlimited"
		}
		fmt.Fprintf(c.out, "%s: used %d, committed %d, limit %s\n", ch, usage.Used, usage.Committed, limit)
	}
}

func printOutcome(w io.Writer, name string, out dispatch.Outcome) {
	switch out.Status {
	case dispatch.StatusSent:
		fmt.Fprintf(w, "✅ Sent to %s via %s\n", name, out.Channel)
	case dispatch.StatusSkipped:
		fmt.Fprintf(w, "⏭️  Skipped %s: %s %s\n", name, out.Kind, out.Message)
	default:
		fmt.Fprintf(w, "❌ Failed for %s: %s %s\n", name, out.Kind, out.Message)
	}
}
