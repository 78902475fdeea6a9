/*
inventory.go - Inventory Guard: the only writer of store-item stock

PURPOSE:
  Reserves and releases store-item stock. A reservation is a
  check-then-decrement on a locked row, so concurrent reservations of the
  last unit cannot both succeed.

INVARIANT:
  AvailableQuantity >= 0 at all times, and equals the initial quantity
  plus releases minus reservations.

RELEASE:
  Release is bounded only by int64. It always mirrors a prior reservation
  (rejected request) or an explicit admin restock; a release that would
  overflow the stock is a validation error.

CATALOG:
  Admins create items and edit name, description and price. Stock is
  never edited directly: it moves only through Reserve/Release.

SEE ALSO:
  - redemption.go: Reserves on request creation, releases on rejection
*/
package points

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

type Inventory struct {
	store Store
	opts  options
}

func NewInventory(store Store, opts ...Option) *Inventory {
	return &Inventory{store: store, opts: buildOptions(opts)}
}

// =============================================================================
// GUARD OPERATIONS
// =============================================================================

// Reserve takes quantity units out of stock, failing with *OutOfStockError
// if fewer are available.
func (inv *Inventory) Reserve(ctx context.Context, itemID ItemID, quantity int64) (StoreItem, error) {
	var item StoreItem
	err := inv.store.WithTx(ctx, func(tx Tx) error {
		var err error
		item, err = inv.reserve(ctx, tx, itemID, quantity)
		return err
	})
	return item, err
}

// Release returns quantity units to stock.
func (inv *Inventory) Release(ctx context.Context, itemID ItemID, quantity int64) (StoreItem, error) {
	var item StoreItem
	err := inv.store.WithTx(ctx, func(tx Tx) error {
		var err error
		item, err = inv.release(ctx, tx, itemID, quantity)
		return err
	})
	return item, err
}

func (inv *Inventory) reserve(ctx context.Context, tx Tx, itemID ItemID, quantity int64) (StoreItem, error) {
	if quantity <= 0 {
		return StoreItem{}, invalid("quantity", "must be positive")
	}
	item, err := tx.LockItem(ctx, itemID)
	if err != nil {
		return StoreItem{}, err
	}
	if item.AvailableQuantity < quantity {
		return StoreItem{}, &OutOfStockError{
			ItemID:    itemID,
			Available: item.AvailableQuantity,
			Requested: quantity,
		}
	}
	item.AvailableQuantity -= quantity
	if err := tx.SetItemQuantity(ctx, itemID, item.AvailableQuantity); err != nil {
		return StoreItem{}, fmt.Errorf("failed to reserve stock: %w", err)
	}
	return item, nil
}

func (inv *Inventory) release(ctx context.Context, tx Tx, itemID ItemID, quantity int64) (StoreItem, error) {
	if quantity <= 0 {
		return StoreItem{}, invalid("quantity", "must be positive")
	}
	item, err := tx.LockItem(ctx, itemID)
	if err != nil {
		return StoreItem{}, err
	}
	if item.AvailableQuantity > math.MaxInt64-quantity {
		return StoreItem{}, invalid("quantity", "stock would overflow")
	}
	item.AvailableQuantity += quantity
	if err := tx.SetItemQuantity(ctx, itemID, item.AvailableQuantity); err != nil {
		return StoreItem{}, fmt.Errorf("failed to release stock: %w", err)
	}
	return item, nil
}

// =============================================================================
// CATALOG - Admin operations
// =============================================================================

type NewItem struct {
	Name           string
	Description    string
	PointsRequired int64
	Quantity       int64
}

type ItemDetails struct {
	Name           string
	Description    string
	PointsRequired int64
}

// CreateItem adds an item to the store with its initial stock.
func (inv *Inventory) CreateItem(ctx context.Context, actor Principal, in NewItem) (StoreItem, error) {
	if err := Authorize(actor, "create store items", RoleAdmin); err != nil {
		return StoreItem{}, err
	}
	name := strings.TrimSpace(in.Name)
	if err := validateDetails(name, in.PointsRequired); err != nil {
		return StoreItem{}, err
	}
	if in.Quantity < 0 {
		return StoreItem{}, invalid("quantity", "cannot be negative")
	}

	now := inv.opts.now()
	item := StoreItem{
		ID:                ItemID(uuid.NewString()),
		Name:              name,
		Description:       strings.TrimSpace(in.Description),
		PointsRequired:    in.PointsRequired,
		AvailableQuantity: in.Quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := inv.store.WithTx(ctx, func(tx Tx) error {
		return tx.InsertItem(ctx, item)
	})
	if err != nil {
		return StoreItem{}, err
	}
	return item, nil
}

// UpdateItem edits name, description and price. Pending requests keep the
// price they were created with.
func (inv *Inventory) UpdateItem(ctx context.Context, actor Principal, itemID ItemID, in ItemDetails) (StoreItem, error) {
	if err := Authorize(actor, "edit store items", RoleAdmin); err != nil {
		return StoreItem{}, err
	}
	name := strings.TrimSpace(in.Name)
	if err := validateDetails(name, in.PointsRequired); err != nil {
		return StoreItem{}, err
	}

	var item StoreItem
	err := inv.store.WithTx(ctx, func(tx Tx) error {
		var err error
		item, err = tx.LockItem(ctx, itemID)
		if err != nil {
			return err
		}
		item.Name = name
		item.Description = strings.TrimSpace(in.Description)
		item.PointsRequired = in.PointsRequired
		item.UpdatedAt = inv.opts.now()
		return tx.UpdateItemDetails(ctx, item)
	})
	if err != nil {
		return StoreItem{}, err
	}
	return item, nil
}

// Restock adds quantity units to an item. Admins only.
func (inv *Inventory) Restock(ctx context.Context, actor Principal, itemID ItemID, quantity int64) (StoreItem, error) {
	if err := Authorize(actor, "restock store items", RoleAdmin); err != nil {
		return StoreItem{}, err
	}
	item, err := inv.Release(ctx, itemID, quantity)
	if err != nil {
		return StoreItem{}, err
	}
	inv.opts.emitter().emit(ctx, Event{
		Type:       EventItemRestocked,
		ItemID:     itemID,
		Quantity:   quantity,
		ActorID:    actor.UserID,
		OccurredAt: inv.opts.now(),
	})
	return item, nil
}

func (inv *Inventory) Items(ctx context.Context) ([]StoreItem, error) {
	return inv.store.ListItems(ctx)
}

func (inv *Inventory) Item(ctx context.Context, itemID ItemID) (StoreItem, error) {
	return inv.store.GetItem(ctx, itemID)
}

func validateDetails(name string, price int64) error {
	if name == "" {
		return invalid("name", "is required")
	}
	if price <= 0 {
		return invalid("pointsRequired", "must be positive")
	}
	return nil
}
