// Command pcsc-probe is a standalone diagnostic: connect to the first
// smart-card reader with a card present, select the OpenPGP application,
// and print its application related data object, independent of the
// agent's stdin/stdout dispatch loop.
package main

import (
	"fmt"
	"os"

	"github.com/feitiansk/agent/opgp"
	"github.com/feitiansk/agent/scard"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("\nerror: %s\n\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return err
	}
	defer ctx.Release()

	readers, err := ctx.ListReadersWithCard()
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		fmt.Println("\nplease insert a smart card")
		return nil
	}
	if len(readers) > 1 {
		return fmt.Errorf("multiple readers with cards present, specify one")
	}

	card, err := readers[0].Connect()
	if err != nil {
		return err
	}
	defer card.Disconnect()

	engine, err := opgp.Open(card)
	if err != nil {
		return err
	}
	ard, err := engine.ApplicationRelatedData()
	if err != nil {
		return err
	}
	fmt.Printf("%x\n", ard)
	return nil
}
