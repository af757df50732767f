package domain

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Delivery is the client-side delivery state of a message:
// Pending, Confirmed or Failed.
type Delivery interface {
	State() DeliveryState
	isDelivery()
}

// Pending: shown optimistically, durable write not yet acknowledged.
type Pending struct {
	CorrelationID string
}

// Confirmed: persisted, ID is server assigned.
type Confirmed struct {
	ID string
}

// Failed: durable write rejected. Only an explicit retry leaves this state.
type Failed struct {
	CorrelationID string
	Reason        error
}

func (Pending) State() DeliveryState   { return DeliveryPending }
func (Confirmed) State() DeliveryState { return DeliveryConfirmed }
func (Failed) State() DeliveryState    { return DeliveryFailed }

func (Pending) isDelivery()   {}
func (Confirmed) isDelivery() {}
func (Failed) isDelivery()    {}
