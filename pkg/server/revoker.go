package server

import (
	"log"

	"github.com/ethereum/go-ethereum/common"
)

// Revoker implements revocation.Rechecker by re-running the balance check
// for every open view of a wallet after a token transfer.
type Revoker struct {
	srv *Server
}

// NewRevoker creates a rechecker linked to the server's view registry.
func NewRevoker(srv *Server) *Revoker {
	return &Revoker{srv: srv}
}

// Recheck re-queries the balance for each of wallet's views and returns
// how many there were.
func (r *Revoker) Recheck(wallet common.Address) int {
	n := r.srv.registry.Recheck(wallet)
	if n > 0 {
		log.Printf("[revoker] Rechecking %d view(s) for %s", n, wallet.Hex())
	}
	return n
}
