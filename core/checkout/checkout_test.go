package checkout

import (
	"testing"

	"github.com/pasalhq/pasal/validate"
)

func validCart() CartNew {
	return CartNew{
		Items: []ItemNew{
			{Name: "Pen", Price: 100, Quantity: 2},
			{Name: "Notebook", Price: 350, Quantity: 1},
		},
		User:          UserRef{ID: "user-1", Email: "buyer@example.com"},
		PaymentMethod: "esewa",
	}
}

func TestTotal(t *testing.T) {
	cart := validCart()
	if got := Total(cart.Items); got != 550 {
		t.Errorf("Total = %d, want 550", got)
	}
	if got := Total(nil); got != 0 {
		t.Errorf("Total of an empty cart = %d, want 0", got)
	}
}

func TestCartValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CartNew)
		valid  bool
	}{
		{"valid", func(c *CartNew) {}, true},
		{"no items", func(c *CartNew) { c.Items = nil }, false},
		{"empty items", func(c *CartNew) { c.Items = []ItemNew{} }, false},
		{"zero price", func(c *CartNew) { c.Items[0].Price = 0 }, false},
		{"negative price", func(c *CartNew) { c.Items[0].Price = -100 }, false},
		{"zero quantity", func(c *CartNew) { c.Items[0].Quantity = 0 }, false},
		{"missing item name", func(c *CartNew) { c.Items[0].Name = "" }, false},
		{"missing user id", func(c *CartNew) { c.User.ID = "" }, false},
		{"bad email", func(c *CartNew) { c.User.Email = "not-an-email" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cart := validCart()
			tt.mutate(&cart)

			err := validate.Check(cart)
			if tt.valid && err != nil {
				t.Errorf("expected a valid cart, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
