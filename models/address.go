package models

import (
	"errors"
	"strings"
)

type Address struct {
	ID         string `gorm:"column:id;primaryKey" json:"id"`
	ShopperID  string `gorm:"column:shopper_id;index" json:"shopper_id"`
	FullName   string `gorm:"column:full_name" json:"full_name"`
	Line1      string `gorm:"column:line1" json:"line1"`
	Line2      string `gorm:"column:line2" json:"line2,omitempty"`
	City       string `gorm:"column:city" json:"city"`
	Region     string `gorm:"column:region" json:"region,omitempty"`
	PostalCode string `gorm:"column:postal_code" json:"postal_code,omitempty"`
	Country    string `gorm:"column:country" json:"country"`
	Phone      string `gorm:"column:phone" json:"phone"`
}

func (Address) TableName() string { return "addresses" }

// Validate checks the fields a carrier needs to deliver.
func (a Address) Validate() error {
	var missing []string
	if strings.TrimSpace(a.FullName) == "" {
		missing = append(missing, "full_name")
	}
	if strings.TrimSpace(a.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(a.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(a.Country) == "" {
		missing = append(missing, "country")
	}
	if strings.TrimSpace(a.Phone) == "" {
		missing = append(missing, "phone")
	}
	if len(missing) > 0 {
		return errors.New("missing " + strings.Join(missing, ", "))
	}
	return nil
}
