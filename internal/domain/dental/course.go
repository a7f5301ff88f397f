package dental

import (
	"math"
	"time"
)

// RecordPayment adds amount to the paid total and returns the new total. Payments
// beyond the estimate are accepted; see Overpaid.
func (c *TreatmentCourse) RecordPayment(amount float64, by Actor, at time.Time) (float64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return c.PricePaid, invalid("amount", "must be a finite number")
	}
	if amount <= 0 {
		return c.PricePaid, invalid("amount", "must be greater than zero")
	}
	if by.ID == "" {
		return c.PricePaid, required("actor_id")
	}
	c.PricePaid += amount
	c.Modified = NewStamp(by, at)
	return c.PricePaid, nil
}

// MarkCompleted sets the completion flag. Completion is a clinical decision and does
// not look at payments.
func (c *TreatmentCourse) MarkCompleted(by Actor, at time.Time) error {
	if by.ID == "" {
		return required("actor_id")
	}
	c.IsCompleted = true
	c.Modified = NewStamp(by, at)
	return nil
}

// RemainingBalance may be negative when the course is overpaid.
func (c *TreatmentCourse) RemainingBalance() float64 {
	return c.PriceEstimate - c.PricePaid
}

// Overpaid reports whether payments exceed the estimate.
func (c *TreatmentCourse) Overpaid() bool {
	return c.PricePaid > c.PriceEstimate
}

// Snapshot copies the ledger values onto a treatment that belongs to the course.
func (c *TreatmentCourse) Snapshot(t *Treatment) {
	id := c.ID
	estimate, paid, completed := c.PriceEstimate, c.PricePaid, c.IsCompleted
	t.CourseID = &id
	t.CoursePriceEstimate = &estimate
	t.CoursePricePaid = &paid
	t.CourseCompleted = &completed
	t.CourseNextNote = c.NextNote
}

// OutstandingBalance sums the remaining balance of every open course. Completed
// courses and overpaid ones contribute nothing.
func OutstandingBalance(courses []*TreatmentCourse) float64 {
	var total float64
	for _, c := range courses {
		if c == nil || c.IsCompleted {
			continue
		}
		if r := c.RemainingBalance(); r > 0 {
			total += r
		}
	}
	return total
}
