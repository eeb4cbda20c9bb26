// Package provider builds tiered stores from a Config and manages their
// lifecycle.
//
// A store consists of an onheap caching tier, a disk authoritative tier whose
// files live in a persistence context and the tiered coordinator on top. The
// provider creates the persistence space of every store, initializes the
// store and, on release, closes it and destroys the space of volatile stores.
//
// Example usage:
//
//	service := persistence.NewService(afero.NewOsFs(), "/var/lib/tkv")
//	if err := service.Init(); err != nil {
//		return err
//	}
//	p := provider.New(service)
//	defer p.Close()
//
//	cfg := provider.DefaultConfig("sessions")
//	cfg.Persistent = true
//	s, err := p.CreateStore(cfg)
package provider
