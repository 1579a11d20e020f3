// Package savedobjects migrates saved objects indices: the documents an
// application stores under a well-known alias (".kibana" by default), each
// of which belongs to a registered type with its own mappings and versioned
// transforms.
//
// # Overview
//
// On startup every process asks the same question: is the index behind the
// alias up to date with the types this build registers? The answer is one of
// three plans:
//
//   - None: mappings match and no document carries an outdated version.
//   - Patch: the change is additive, so the new mappings are put on the
//     current index in place.
//   - Migrate: documents are copied into a new index <alias>_<n+1>, upgraded
//     through their transforms on the way, and the alias is swapped over in
//     a single atomic request.
//
// Several processes may start at once. Each one creates the first free
// <alias>_<n> as its destination, so an index left behind by a crashed run
// never blocks the next start. The alias swap is the claim: it only succeeds
// while the alias still points at the index the process copied from. The
// losers see ErrAliasMoved, plan again and skip.
//
// # Quick Start
//
//	registry := savedobjects.NewTypeRegistry()
//	registry.RegisterType("dashboards", savedobjects.TypeDefinition{
//	    Name: "dashboard",
//	    Mappings: savedobjects.FieldMapping{Properties: map[string]savedobjects.FieldMapping{
//	        "title": {Type: "text"},
//	    }},
//	})
//	registry.Migrate("dashboard").To("7.10.0").AddField("color", "blue")
//
//	gateway := savedobjects.NewBackendGateway(savedobjects.NewFilesystemBackend("./data"))
//	migrator, err := savedobjects.NewMigrator(savedobjects.MigratorOptions{
//	    Config:   savedobjects.DefaultMigrationConfig(),
//	    Registry: registry,
//	    Gateway:  gateway,
//	})
//	if err != nil {
//	    return err
//	}
//	results, err := migrator.RunMigrations(ctx)
//
// # Stores
//
// Gateway is everything the engine needs from a document store.
// ElasticsearchGateway talks to a cluster through go-elasticsearch.
// BackendGateway keeps indices in any Backend (filesystem, S3, MinIO, GCS):
// an alias table updated by compare-and-swap, one marker object per index
// created with create-if-absent, and one object per document.
//
// # Coordination
//
// A redis DistributedLock can be passed as the Lease so that processes which
// lose the race skip straight to waiting. It is advisory only: if redis is
// unreachable the migration runs anyway and the conditional alias swap still
// decides the winner.
//
// # Observability
//
// Logger and Metrics are interfaces. ZapLogger and PrometheusMetrics are the
// production implementations; InstrumentedGateway counts store operations.
package savedobjects
