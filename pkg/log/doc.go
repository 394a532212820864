/*
Package log provides kdevd's structured logging, wrapping zerolog with a
global logger, a small Level/Config pair, and context-logger helpers keyed
to this domain's correlation ids (component, session, pool, pid) rather
than generic request ids.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	sessLog := log.WithSession(sessionID)
	sessLog.Info().Str("pool", poolName).Msg("volumes allocated")
*/
package log
