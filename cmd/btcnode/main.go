// Command btcnode is a thin CLI over the node package: new, restore,
// balance, receive, and send.
package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/hashicorp/go-hclog"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli"

	"github.com/djschnei21/btclightnode/kv"
	"github.com/djschnei21/btclightnode/node"
	nodewire "github.com/djschnei21/btclightnode/wire"
)

func main() {
	app := cli.NewApp()
	app.Name = "btcnode"
	app.Usage = "a BIP157/158 light client wallet"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "network", Value: "mainnet", Usage: "mainnet, testnet3, regtest, or signet"},
		cli.StringFlag{Name: "peer", Usage: "host:port of the full node to connect to"},
		cli.StringFlag{Name: "state", Value: "btcnode.state", Usage: "path to the persisted state file"},
		cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	}
	app.Commands = []cli.Command{
		newCommand,
		restoreCommand,
		balanceCommand,
		receiveCommand,
		sendCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loggerFrom(ctx *cli.Context) hclog.Logger {
	level := hclog.Info
	if ctx.GlobalBool("debug") {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "btcnode",
		Level: level,
	})
}

func storeFrom(ctx *cli.Context) (kv.Store, error) {
	return kv.OpenFileStore(ctx.GlobalString("state"))
}

func exitOnNodeError(err error) error {
	if err == nil {
		return nil
	}
	if nerr, ok := err.(*node.Error); ok {
		return cli.NewExitError(fmt.Sprintf("%s: %v", nerr.Code, nerr.Err), 1)
	}
	return cli.NewExitError(err.Error(), 1)
}

var newCommand = cli.Command{
	Name:      "new",
	Usage:     "create a fresh node from a master extended private key",
	ArgsUsage: "<xpriv>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.ShowCommandHelp(ctx, "new")
		}
		store, err := storeFrom(ctx)
		if err != nil {
			return exitOnNodeError(err)
		}
		cfg := node.Config{
			Network:       ctx.GlobalString("network"),
			SocketAddress: ctx.GlobalString("peer"),
			Xpriv:         ctx.Args().Get(0),
		}
		n, err := node.New(cfg, store, loggerFrom(ctx))
		if err != nil {
			return exitOnNodeError(err)
		}
		defer n.Close()
		fmt.Println("node created")
		return nil
	},
}

var restoreCommand = cli.Command{
	Name:  "restore",
	Usage: "reconnect a node from its persisted state file",
	Action: func(ctx *cli.Context) error {
		store, err := storeFrom(ctx)
		if err != nil {
			return exitOnNodeError(err)
		}
		n, err := node.Restore(store, loggerFrom(ctx))
		if err != nil {
			return exitOnNodeError(err)
		}
		defer n.Close()
		fmt.Println("node restored")
		return nil
	},
}

var balanceCommand = cli.Command{
	Name:  "balance",
	Usage: "sync and print the confirmed balance in satoshis",
	Action: func(ctx *cli.Context) error {
		n, closeFn, err := openNode(ctx)
		if err != nil {
			return exitOnNodeError(err)
		}
		defer closeFn()

		bal, err := n.Balance()
		if err != nil {
			return exitOnNodeError(err)
		}
		fmt.Println(bal)
		return nil
	},
}

var receiveCommand = cli.Command{
	Name:  "receive",
	Usage: "derive and print the next receive address",
	Flags: []cli.Flag{
		cli.BoolFlag{Name: "qr", Usage: "also print an ASCII QR code for the bitcoin: URI"},
	},
	Action: func(ctx *cli.Context) error {
		n, closeFn, err := openNode(ctx)
		if err != nil {
			return exitOnNodeError(err)
		}
		defer closeFn()

		addr, err := n.GetReceiveAddress()
		if err != nil {
			return exitOnNodeError(err)
		}
		fmt.Println(addr)

		if ctx.Bool("qr") {
			uri := fmt.Sprintf("bitcoin:%s", addr)
			qr, err := qrcode.New(uri, qrcode.Medium)
			if err != nil {
				return cli.NewExitError(fmt.Sprintf("generate qr: %v", err), 1)
			}
			fmt.Println(qr.ToSmallString(false))
		}
		return nil
	},
}

var sendCommand = cli.Command{
	Name:      "send",
	Usage:     "build, sign, and broadcast a payment",
	ArgsUsage: "<address> <amount-sats> <fee-rate-sat-per-vb>",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 3 {
			return cli.ShowCommandHelp(ctx, "send")
		}
		n, closeFn, err := openNode(ctx)
		if err != nil {
			return exitOnNodeError(err)
		}
		defer closeFn()

		params, err := nodewire.NetworkParams(ctx.GlobalString("network"))
		if err != nil {
			return exitOnNodeError(err)
		}

		addr, err := btcutil.DecodeAddress(ctx.Args().Get(0), params)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid address: %v", err), 1)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid address script: %v", err), 1)
		}

		var amount, feeRate int64
		if _, err := fmt.Sscanf(ctx.Args().Get(1), "%d", &amount); err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid amount: %v", err), 1)
		}
		if _, err := fmt.Sscanf(ctx.Args().Get(2), "%d", &feeRate); err != nil {
			return cli.NewExitError(fmt.Sprintf("invalid fee rate: %v", err), 1)
		}

		if err := n.SendToAddress(script, amount, feeRate); err != nil {
			return exitOnNodeError(err)
		}
		fmt.Println("sent")
		return nil
	},
}

// openNode restores a node from the state file, which every command but
// new/restore assumes already exists.
func openNode(ctx *cli.Context) (*node.Node, func(), error) {
	store, err := storeFrom(ctx)
	if err != nil {
		return nil, nil, err
	}
	n, err := node.Restore(store, loggerFrom(ctx))
	if err != nil {
		return nil, nil, err
	}
	return n, func() { n.Close() }, nil
}
