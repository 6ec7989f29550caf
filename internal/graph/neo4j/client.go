// Package neo4j implements graph.Store on a Neo4j database. Merge keys,
// validity intervals, and crawl checkpoints follow the same temporal rules
// as the in-memory store, expressed in Cypher.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// ClientConfig holds connection settings for the graph database.
type ClientConfig struct {
	URI      string
	User     string
	Password string
	Database string
	PoolSize int
}

// Connect builds a driver and verifies connectivity before returning.
func Connect(ctx context.Context, cfg ClientConfig) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.User, cfg.Password, ""),
		func(c *neo4j.Config) {
			if cfg.PoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.PoolSize
			}
			c.MaxTransactionRetryTime = 15 * time.Second
		},
	)
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return driver, nil
}
