// Package oem maps Go structs onto Google Cloud Datastore entities.
//
// Entities are declared as structs embedding [Model]. Queries are built
// incrementally with [Query], sealed with [Query.Slice], paginated by a
// [Cursor], and writes are batched in a [Transaction] that assigns
// store-generated keys on commit.
//
// # Entities
//
// Fields are mapped with `oem` struct tags:
//
//	type Person struct {
//	    oem.Model
//	    FirstName string    `oem:"first_name,required"`
//	    Bio       []byte    `oem:"bio,compressed"`
//	    Tags      []string  `oem:"tags"`
//	    Joined    time.Time `oem:"joined"`
//	    Manager   *oem.Key  `oem:"manager"`
//	    Extra     Settings  `oem:"extra,json"`
//	}
//
// The kind name is the struct name unless the type implements [KindNamer].
// The names "key" and "__key__" refer to the entity's key.
//
// # Connections
//
// Install a [Connection] once at startup:
//
//	conn, err := connection.New(ctx, connection.FromEnv())
//	...
//	oem.Connect(conn)
//
// # Transactions
//
// The current transaction travels in the context:
//
//	err := oem.RunInTransaction(ctx, oem.IsolationSnapshot, func(ctx context.Context) error {
//	    return oem.Save(ctx, &person)
//	})
//
// # Errors
//
//   - [ErrInvalidQuery] - bad property, operator or value in a query
//   - [ErrNoConnection], [ErrNoDataset] - missing configuration
//   - [ErrConnection] - transport or authentication failure
//   - [ErrProtocol] - unexpected response from the store
//   - [ErrTransactionState] - illegal transaction transition
//   - [ErrValidation] - entity failed property validation
//   - [ErrNotFound] - no entity at the key
package oem
