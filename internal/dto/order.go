package dto

import "time"

// Item is the transport form of an item descriptor.
type Item struct {
	TypeID   string            `json:"type_id"`
	Quantity int64             `json:"quantity"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// PlaceOrderRequest creates a new standing order.
type PlaceOrderRequest struct {
	OwnerID   string     `json:"owner_id"`
	OwnerName string     `json:"owner_name"`
	Item      Item       `json:"item"`
	TotalQty  int64      `json:"total_qty"`
	UnitPrice float64    `json:"unit_price"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// OrderResponse represents an order as exposed via transport layers.
type OrderResponse struct {
	ID           int64     `json:"id"`
	OwnerID      string    `json:"owner_id"`
	OwnerName    string    `json:"owner_name"`
	Item         *Item     `json:"item,omitempty"`
	TotalQty     int64     `json:"total_qty"`
	UnitPrice    float64   `json:"unit_price"`
	DeliveredQty int64     `json:"delivered_qty"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// DeliveryRequest credits units toward an order.
type DeliveryRequest struct {
	Quantity int64 `json:"quantity"`
}

// DeliveryResponse reports the new delivered total after a delivery.
type DeliveryResponse struct {
	OrderID   int64 `json:"order_id"`
	Delivered int64 `json:"delivered"`
}

// StatusRequest moves an order into a terminal status.
type StatusRequest struct {
	Status string `json:"status"`
}
