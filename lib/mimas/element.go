// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mimas

import (
	"strconv"
	"strings"
)

// Element is a chemical element.
type Element struct {
	AtomicNumber int
	Symbol       string
}

// Symbols in atomic number order, starting at hydrogen.
var elementSymbols = strings.Fields(`
	H He
	Li Be B C N O F Ne
	Na Mg Al Si P S Cl Ar
	K Ca Sc Ti V Cr Mn Fe Co Ni Cu Zn Ga Ge As Se Br Kr
	Rb Sr Y Zr Nb Mo Tc Ru Rh Pd Ag Cd In Sn Sb Te I Xe
	Cs Ba La Ce Pr Nd Pm Sm Eu Gd Tb Dy Ho Er Tm Yb Lu Hf Ta W Re Os Ir Pt Au Hg Tl Pb Bi Po At Rn
	Fr Ra Ac Th Pa U Np Pu Am Cm Bk Cf Es Fm Md No Lr Rf Db Sg Bh Hs Mt Ds Rg Cn Nh Fl Mc Lv Ts Og
`)

var elementIndex = func() map[string]int {
	idx := make(map[string]int, len(elementSymbols))
	for i, sym := range elementSymbols {
		idx[strings.ToUpper(sym)] = i + 1
	}
	return idx
}()

// LookupElement finds an element by symbol (in any letter case) or
// by atomic number.
func LookupElement(symbol string) (Element, bool) {
	s := strings.TrimSpace(symbol)
	n, err := strconv.Atoi(s)
	if err != nil {
		if len(s) > 2 {
			return Element{}, false
		}
		n = elementIndex[strings.ToUpper(s)]
	}
	if n < 1 || n > len(elementSymbols) {
		return Element{}, false
	}
	return Element{AtomicNumber: n, Symbol: elementSymbols[n-1]}, true
}
