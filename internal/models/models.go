package models

import (
	"encoding/json"
	"time"
)

// Record is one product's access grant for the current user.
type Record struct {
	ProductID      string     `json:"productId"`
	ProductName    string     `json:"productName"`
	IsActive       bool       `json:"isActive"`
	IsExpired      bool       `json:"isExpired"`
	RemainingUsage int64      `json:"remainingUsage"`
	UsageCount     int64      `json:"usageCount"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// Selectable reports whether the record may become the active product.
func (r Record) Selectable() bool {
	return r.ProductID != "" && !r.IsExpired
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.ExpiresAt = cloneTimePtr(r.ExpiresAt)
	return r
}

// Profile is the cached user snapshot kept next to the credential.
type Profile struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Email         string   `json:"email,omitempty"`
	ProductAccess []Record `json:"productAccess,omitempty"`
}

// UnmarshalJSON accepts both "id" and the backend's "_id".
func (p *Profile) UnmarshalJSON(data []byte) error {
	type plain Profile
	var aux struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Profile(aux.plain)
	if p.ID == "" {
		p.ID = aux.MongoID
	}
	return nil
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	p.ProductAccess = CloneRecords(p.ProductAccess)
	return p
}

// FindRecord returns the index of productID in ProductAccess, or -1.
func (p Profile) FindRecord(productID string) int {
	for i, r := range p.ProductAccess {
		if r.ProductID == productID {
			return i
		}
	}
	return -1
}

// Page is the content page a generation runs against.
type Page struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Image        string `json:"image,omitempty"`
	Instructions string `json:"instructions"`
}
