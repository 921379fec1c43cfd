// Copyright 2026 The memtx Authors
// This file is part of the memtx library.
//
// The memtx library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The memtx library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the memtx library. If not, see <http://www.gnu.org/licenses/>.

// snapdump prints the metadata and rows of a snapshot file in a human
// readable form. Damaged rows can be skipped to inspect what is left of
// a corrupt snapshot.
package main

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/urfave/cli.v1"

	"github.com/memtx-db/memtx/vclock"
	"github.com/memtx-db/memtx/xlog"
)

func main() {
	app := cli.NewApp()
	app.Name = "snapdump"
	app.Usage = "inspect memtx snapshot files"
	app.ArgsUsage = "<file.snap>"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "skip-bad",
			Usage: "scan past damaged rows instead of failing",
		},
		cli.BoolFlag{
			Name:  "meta-only",
			Usage: "print only the file metadata",
		},
	}
	app.Action = dump
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "snapdump:", err)
		os.Exit(1)
	}
}

func dump(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("expected exactly one snapshot file", 1)
	}
	cur, err := xlog.Open(ctx.Args().First())
	if err != nil {
		return err
	}
	defer cur.Close()

	meta := cur.Meta()
	fmt.Printf("instance: %s\n", meta.Instance)
	fmt.Printf("vclock:   %s\n", vclock.Clock(meta.Clock))
	if ctx.Bool("meta-only") {
		return nil
	}

	var (
		row   xlog.Row
		count int
	)
	for {
		ok, err := cur.Next(&row, ctx.Bool("skip-bad"))
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		count++
		if row.Type != xlog.RowInsert {
			fmt.Printf("lsn=%d type=%d (unknown)\n", row.LSN, row.Type)
			continue
		}
		spaceID, tuple, err := xlog.DecodeInsertBody(row.Body)
		if err != nil {
			fmt.Printf("lsn=%d <undecodable body: %v>\n", row.LSN, err)
			continue
		}
		var fields []interface{}
		if err := msgpack.Unmarshal(tuple, &fields); err != nil {
			fmt.Printf("lsn=%d space=%d <raw %d bytes>\n", row.LSN, spaceID, len(tuple))
			continue
		}
		fmt.Printf("lsn=%d space=%d group=%d %v\n", row.LSN, spaceID, row.GroupID, fields)
	}
	fmt.Printf("%d rows", count)
	if !cur.IsEOF() {
		fmt.Printf(" (no EOF marker, file is truncated or corrupt)")
	}
	fmt.Println()
	return nil
}
