package events

import (
	"testing"
	"time"

	"github.com/angelmondragon/orderflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrderCreated() OrderCreated {
	return OrderCreated{
		OrderID:       "order-1",
		UserID:        "u1",
		Items:         []Item{{ProductID: "p1", Quantity: 2, Price: 10}},
		Amount:        20,
		Timestamp:     Timestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
		CorrelationID: "corr-1",
	}
}

func TestValidateAcceptsWellFormedPayloads(t *testing.T) {
	require.NoError(t, Validate(validOrderCreated()))

	evt := DeliveryStatusChanged{
		OrderID:       "order-1",
		Status:        enums.ShipmentStatusShipped,
		Timestamp:     "2024-01-02T03:04:05.000Z",
		CorrelationID: "corr-1",
	}
	require.NoError(t, Validate(evt))
}

func TestValidateOrderIDIsOptional(t *testing.T) {
	evt := validOrderCreated()
	evt.OrderID = ""
	require.NoError(t, Validate(evt))
}

func TestValidateAggregatesAllFailures(t *testing.T) {
	evt := OrderCreated{
		Items:     []Item{{ProductID: "", Quantity: 0, Price: -1}},
		Amount:    -5,
		Timestamp: "yesterday",
	}
	err := Validate(evt)
	require.Error(t, err)

	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())

	details, ok := typed.Details().(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "is required", details["userId"])
	assert.Equal(t, "is required", details["items[0].productId"])
	assert.Equal(t, "must be at least 1", details["items[0].quantity"])
	assert.Equal(t, "must be at least 0", details["items[0].price"])
	assert.Equal(t, "must be at least 0", details["amount"])
	assert.Equal(t, "must be an ISO-8601 date-time", details["timestamp"])
	assert.Equal(t, "is required", details["correlationId"])

	assert.Len(t, Errors(err), len(details))
}

func TestValidateRejectsUnknownStatus(t *testing.T) {
	evt := DeliveryStatusChanged{
		OrderID:       "order-1",
		Status:        "Teleported",
		Timestamp:     "2024-01-02T03:04:05Z",
		CorrelationID: "corr-1",
	}
	err := Validate(evt)
	require.Error(t, err)
	details := pkgerrors.As(err).Details().(map[string]string)
	assert.Contains(t, details["status"], "must be one of")
}

func TestValidateRejectsEmptyItems(t *testing.T) {
	evt := validOrderCreated()
	evt.Items = nil
	err := Validate(evt)
	require.Error(t, err)
	assert.Contains(t, pkgerrors.As(err).Details().(map[string]string), "items")
}

func TestDecodeTypeMismatchIsValidationError(t *testing.T) {
	var evt OrderCreated
	err := Decode([]byte(`{"userId":"u1","items":[{"productId":"p1","quantity":"two","price":1}],"amount":1,"timestamp":"2024-01-02T03:04:05Z","correlationId":"c"}`), &evt)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestDecodeValidPayload(t *testing.T) {
	var evt DeliveryStatusChanged
	err := Decode([]byte(`{"orderId":"o1","status":"Delivered","timestamp":"2024-01-02T03:04:05.123Z","correlationId":"c1"}`), &evt)
	require.NoError(t, err)
	assert.Equal(t, enums.ShipmentStatusDelivered, evt.Status)
}
