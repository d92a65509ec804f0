package store

import (
	"context"

	"github.com/romapay/exchange-service/internal/domain"
)

// DefaultCatalog is loaded when the service runs with SEED_CATALOG enabled.
var DefaultCatalog = []domain.TokenDefinition{
	{ID: "bronze-coin", Name: "Bronze Coin", Description: "Entry level collectible", Price: 10, Points: 4},
	{ID: "silver-coin", Name: "Silver Coin", Description: "Uncommon collectible", Price: 25, Points: 10},
	{ID: "gold-coin", Name: "Gold Coin", Description: "Rare collectible", Price: 40, Points: 15},
	{ID: "diamond", Name: "Diamond", Description: "Legendary collectible", Price: 100, Points: 40},
}

// SeedCatalog upserts the given token definitions.
func SeedCatalog(ctx context.Context, repo Repository, tokens []domain.TokenDefinition) error {
	for _, t := range tokens {
		if err := repo.UpsertToken(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
