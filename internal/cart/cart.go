// Package cart is the cart session collaborator of the checkout lock: it owns
// cart contents, rejects mutations while a checkout holds the cart and
// computes the content fingerprint a lock is taken against.
package cart

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Address is the shipping address stored inline on the cart row.
type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// IsZero reports whether no address has been set.
func (a Address) IsZero() bool {
	return a == Address{}
}

type Cart struct {
	ID           string    `gorm:"primaryKey;size:128" json:"id"`
	SessionID    string    `gorm:"index;not null" json:"session_id"`
	UserID       *string   `gorm:"index" json:"user_id,omitempty"`
	Currency     string    `gorm:"size:3;not null;default:USD" json:"currency"`
	DiscountCode *string   `json:"discount_code,omitempty"`
	Address      Address   `gorm:"embedded;embeddedPrefix:address_" json:"address"`
	Lines        []Line    `gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE" json:"lines"`
	Version      int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Cart) TableName() string { return "carts" }

type Line struct {
	CartID    string          `gorm:"primaryKey;size:128" json:"-"`
	SKU       string          `gorm:"primaryKey;size:64" json:"sku"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

func (Line) TableName() string { return "cart_lines" }

// Total is the line amount before discounts.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Subtotal sums every line.
func (c *Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range c.Lines {
		sum = sum.Add(l.Total())
	}
	return sum
}

// OwnedBy reports whether the session or user may mutate the cart.
func (c *Cart) OwnedBy(sessionID, userID string) bool {
	if sessionID != "" && sessionID == c.SessionID {
		return true
	}
	return userID != "" && c.UserID != nil && *c.UserID == userID
}

func (c *Cart) line(sku string) int {
	for i := range c.Lines {
		if c.Lines[i].SKU == sku {
			return i
		}
	}
	return -1
}

// Fingerprint hashes everything that affects what the customer pays for:
// lines (sorted by SKU, prices normalised), currency, discount and address.
// Timestamps and ownership are excluded.
func (c *Cart) Fingerprint() string {
	lines := make([]Line, len(c.Lines))
	copy(lines, c.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].SKU < lines[j].SKU })

	var b strings.Builder
	b.WriteString("v1\n")
	b.WriteString(c.ID)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(c.Currency))
	b.WriteByte('\n')
	for _, l := range lines {
		b.WriteString(l.SKU)
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(l.Quantity))
		b.WriteByte('|')
		b.WriteString(l.UnitPrice.StringFixed(2))
		b.WriteByte('\n')
	}
	if c.DiscountCode != nil {
		b.WriteString("discount|")
		b.WriteString(strings.ToUpper(*c.DiscountCode))
	}
	b.WriteByte('\n')
	a := c.Address
	for _, part := range []string{a.Name, a.Line1, a.Line2, a.City, a.Region, a.PostalCode, a.Country} {
		b.WriteString(strings.TrimSpace(part))
		b.WriteByte('|')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
