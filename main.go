package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"perun.network/stellar-multichannel/client"
	"perun.network/stellar-multichannel/manager"
	"perun.network/stellar-multichannel/transport"
	"perun.network/stellar-multichannel/wallet"
	"perun.network/stellar-multichannel/wallet/types"
	"perun.network/stellar-multichannel/wire"

	"log"
)

const channelCollateral = 300
const disputePeriod = 10 * time.Second

func main() {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))

	w := wallet.NewEphemeralWallet()
	accAlice, _, err := w.AddNewAccount(rng)
	if err != nil {
		panic(err)
	}
	accBob, _, err := w.AddNewAccount(rng)
	if err != nil {
		panic(err)
	}
	accCarol, _, err := w.AddNewAccount(rng)
	if err != nil {
		panic(err)
	}

	backend := client.NewMockBackend()
	bus := transport.NewLocalBus()
	mgr := manager.New(w, backend, bus, nil)

	var nonce [wire.NonceLength]byte
	rng.Read(nonce[:])
	participants := []*types.Participant{
		accAlice.Participant(), accBob.Participant(), accCarol.Participant(),
	}
	params, err := wire.MakeParams(participants, wire.TopologyMesh, channelCollateral, disputePeriod, nonce)
	if err != nil {
		panic(err)
	}

	initial, err := wire.MakeBalances(map[string]int64{
		accAlice.Address(): 100,
		accBob.Address():   100,
		accCarol.Address(): 100,
	})
	if err != nil {
		panic(err)
	}

	cid, err := mgr.OpenChannel(ctx, params, initial)
	if err != nil {
		panic(err)
	}
	fmt.Println("channel opened:", cid)

	upd, err := mgr.ProposePayment(ctx, cid, accAlice.Address(), accBob.Address(), 40)
	if err != nil {
		panic(err)
	}
	if err := mgr.WaitComplete(ctx, cid, upd); err != nil {
		panic(err)
	}

	info, err := mgr.ChannelInfo(cid)
	if err != nil {
		panic(err)
	}
	fmt.Println("balances at version", info.Version, ":")
	for _, addr := range info.Balances.Addresses() {
		bal, _ := info.Balances.Get(addr)
		fmt.Println("  ", addr, "->", bal)
	}

	stats := mgr.Stats()
	fmt.Println("channels:", stats.TotalCount, "updates:", stats.TotalUpdates)

	if err := mgr.CloseChannel(ctx, cid, true); err != nil {
		panic(err)
	}
	final, ok := backend.Settled(cid)
	if !ok {
		panic("channel not settled")
	}
	fmt.Println("settled at version", final.Version)

	if err := mgr.Shutdown(); err != nil {
		panic(err)
	}
	log.Println("DONE")
}
