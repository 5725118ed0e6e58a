// Package schemas embeds the JSON schemas of all hotel documents
package schemas

import (
	"embed"
	"io/fs"

	"github.com/relabs-tech/hotelier/core/schema"
)

//go:embed json
var files embed.FS

// Schema IDs of the hotel documents
const (
	base              = "https://hotelier.relabs.tech/schemas/"
	Category          = base + "category.json"
	Item              = base + "item.json"
	Adjustment        = base + "adjustment.json"
	Supplier          = base + "supplier.json"
	Order             = base + "order.json"
	GuestRequest      = base + "guest_request.json"
	Member            = base + "member.json"
	PointsTransaction = base + "points_transaction.json"
	Reward            = base + "reward.json"
	Redemption        = base + "redemption.json"
	Invoice           = base + "invoice.json"
	Payment           = base + "payment.json"
)

// NewValidator compiles all embedded schemas
func NewValidator() (*schema.Validator, error) {
	sub, err := fs.Sub(files, "json")
	if err != nil {
		return nil, err
	}
	return schema.NewValidatorFromFS(sub.(fs.ReadDirFS))
}
