package mysql

// Repository aggregates all MySQL repositories
type Repository struct {
	ds *Datastore

	Rebalance *RebalanceEventRepository
}

// NewRepository opens the database and builds the sub-repositories
func NewRepository(dsn string) (*Repository, error) {
	ds, err := NewDatastore(dsn)
	if err != nil {
		return nil, err
	}

	return &Repository{
		ds:        ds,
		Rebalance: NewRebalanceEventRepository(ds),
	}, nil
}

// GetDatastore returns the underlying datastore for transaction support
func (r *Repository) GetDatastore() *Datastore {
	return r.ds
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.ds.Close()
}
