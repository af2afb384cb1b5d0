package models

// GeoLocation is the result of resolving an IP address.
type GeoLocation struct {
	CountryCode string  `json:"country_code"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	IsVPN       bool    `json:"is_vpn,omitempty"`
	IsProxy     bool    `json:"is_proxy,omitempty"`
}
