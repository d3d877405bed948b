/*
Package replication drives asynchronous binlog replication for every store of
the node. One controller goroutine inspects all stores under a central mutex
once per tick and dispatches at most one job per idle (store, role) slot onto
five fixed-width worker pools:

  - repl-mfull   master sends a full snapshot to one subscriber
  - repl-minc    master streams binlog tail to one subscriber
  - repl-sfull   slave pulls a full snapshot from its source
  - repl-scheck  slave re-establishes/maintains the incremental session
  - log-recyc    local binlog truncation and archival

Workers run without the central mutex and re-acquire it only to mutate state
and clear their own running flag. The binlog recycle job never truncates a
record a live subscriber still needs: its upper bound is the minimum
acknowledged position across all incremental and full-push targets.
*/
package replication
