// Package database opens PostgreSQL connection pools. The postgres key store
// backend uses it to share one device identity between several client
// processes on different hosts, so remote connections require TLS unless
// ssl_mode says otherwise, and every session reports itself as
// brokerlink-keystore in pg_stat_activity.
package database
