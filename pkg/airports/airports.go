/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package airports provides pure time and timezone helpers keyed by IATA
// airport code: UTC/local conversion, Spanish human-readable formatting for
// message templates, and the quiet-hours predicate.
//
// The IATA table is a closed in-memory map. Unknown codes degrade to UTC
// rather than failing, so a data-quality problem never blocks a send.
package airports

import (
	"strings"
	"sync"
	"time"
)

// Airport carries the timezone and Spanish display city for one IATA code.
type Airport struct {
	TZ   string
	City string
}

// table covers the routes the agency actually sells plus the usual
// connection hubs. Extend it here when a new destination appears; unknown
// codes fall back to UTC at runtime.
var table = map[string]Airport{
	// Argentina
	"EZE": {TZ: "America/Argentina/Buenos_Aires", City: "Buenos Aires"},
	"AEP": {TZ: "America/Argentina/Buenos_Aires", City: "Buenos Aires"},
	"COR": {TZ: "America/Argentina/Cordoba", City: "Córdoba"},
	"MDZ": {TZ: "America/Argentina/Mendoza", City: "Mendoza"},
	"BRC": {TZ: "America/Argentina/Salta", City: "Bariloche"},
	"USH": {TZ: "America/Argentina/Ushuaia", City: "Ushuaia"},
	"FTE": {TZ: "America/Argentina/Rio_Gallegos", City: "El Calafate"},
	"IGR": {TZ: "America/Argentina/Cordoba", City: "Puerto Iguazú"},
	"SLA": {TZ: "America/Argentina/Salta", City: "Salta"},
	"TUC": {TZ: "America/Argentina/Tucuman", City: "Tucumán"},
	"ROS": {TZ: "America/Argentina/Cordoba", City: "Rosario"},
	"NQN": {TZ: "America/Argentina/Salta", City: "Neuquén"},
	"MDQ": {TZ: "America/Argentina/Buenos_Aires", City: "Mar del Plata"},

	// South America
	"GRU": {TZ: "America/Sao_Paulo", City: "San Pablo"},
	"CGH": {TZ: "America/Sao_Paulo", City: "San Pablo"},
	"GIG": {TZ: "America/Sao_Paulo", City: "Río de Janeiro"},
	"SDU": {TZ: "America/Sao_Paulo", City: "Río de Janeiro"},
	"BSB": {TZ: "America/Sao_Paulo", City: "Brasilia"},
	"CNF": {TZ: "America/Sao_Paulo", City: "Belo Horizonte"},
	"CWB": {TZ: "America/Sao_Paulo", City: "Curitiba"},
	"POA": {TZ: "America/Sao_Paulo", City: "Porto Alegre"},
	"REC": {TZ: "America/Recife", City: "Recife"},
	"SSA": {TZ: "America/Bahia", City: "Salvador de Bahía"},
	"FLN": {TZ: "America/Sao_Paulo", City: "Florianópolis"},
	"SCL": {TZ: "America/Santiago", City: "Santiago de Chile"},
	"MVD": {TZ: "America/Montevideo", City: "Montevideo"},
	"PDP": {TZ: "America/Montevideo", City: "Punta del Este"},
	"ASU": {TZ: "America/Asuncion", City: "Asunción"},
	"LPB": {TZ: "America/La_Paz", City: "La Paz"},
	"VVI": {TZ: "America/La_Paz", City: "Santa Cruz de la Sierra"},
	"LIM": {TZ: "America/Lima", City: "Lima"},
	"CUZ": {TZ: "America/Lima", City: "Cusco"},
	"BOG": {TZ: "America/Bogota", City: "Bogotá"},
	"MDE": {TZ: "America/Bogota", City: "Medellín"},
	"CTG": {TZ: "America/Bogota", City: "Cartagena"},
	"UIO": {TZ: "America/Guayaquil", City: "Quito"},
	"GYE": {TZ: "America/Guayaquil", City: "Guayaquil"},
	"CCS": {TZ: "America/Caracas", City: "Caracas"},

	// Central America, Caribbean, Mexico
	"PTY": {TZ: "America/Panama", City: "Ciudad de Panamá"},
	"SJO": {TZ: "America/Costa_Rica", City: "San José"},
	"CUN": {TZ: "America/Cancun", City: "Cancún"},
	"MEX": {TZ: "America/Mexico_City", City: "Ciudad de México"},
	"GDL": {TZ: "America/Mexico_City", City: "Guadalajara"},
	"MTY": {TZ: "America/Monterrey", City: "Monterrey"},
	"PUJ": {TZ: "America/Santo_Domingo", City: "Punta Cana"},
	"HAV": {TZ: "America/Havana", City: "La Habana"},

	// North America
	"MIA": {TZ: "America/New_York", City: "Miami"},
	"FLL": {TZ: "America/New_York", City: "Fort Lauderdale"},
	"MCO": {TZ: "America/New_York", City: "Orlando"},
	"JFK": {TZ: "America/New_York", City: "Nueva York"},
	"EWR": {TZ: "America/New_York", City: "Nueva York"},
	"BOS": {TZ: "America/New_York", City: "Boston"},
	"IAD": {TZ: "America/New_York", City: "Washington"},
	"ATL": {TZ: "America/New_York", City: "Atlanta"},
	"CLT": {TZ: "America/New_York", City: "Charlotte"},
	"ORD": {TZ: "America/Chicago", City: "Chicago"},
	"DFW": {TZ: "America/Chicago", City: "Dallas"},
	"IAH": {TZ: "America/Chicago", City: "Houston"},
	"DEN": {TZ: "America/Denver", City: "Denver"},
	"LAX": {TZ: "America/Los_Angeles", City: "Los Ángeles"},
	"SFO": {TZ: "America/Los_Angeles", City: "San Francisco"},
	"SEA": {TZ: "America/Los_Angeles", City: "Seattle"},
	"LAS": {TZ: "America/Los_Angeles", City: "Las Vegas"},
	"YYZ": {TZ: "America/Toronto", City: "Toronto"},
	"YUL": {TZ: "America/Toronto", City: "Montreal"},
	"YVR": {TZ: "America/Vancouver", City: "Vancouver"},

	// Europe
	"LHR": {TZ: "Europe/London", City: "Londres"},
	"LGW": {TZ: "Europe/London", City: "Londres"},
	"CDG": {TZ: "Europe/Paris", City: "París"},
	"ORY": {TZ: "Europe/Paris", City: "París"},
	"MAD": {TZ: "Europe/Madrid", City: "Madrid"},
	"BCN": {TZ: "Europe/Madrid", City: "Barcelona"},
	"FCO": {TZ: "Europe/Rome", City: "Roma"},
	"MXP": {TZ: "Europe/Rome", City: "Milán"},
	"FRA": {TZ: "Europe/Berlin", City: "Fráncfort"},
	"MUC": {TZ: "Europe/Berlin", City: "Múnich"},
	"BER": {TZ: "Europe/Berlin", City: "Berlín"},
	"AMS": {TZ: "Europe/Amsterdam", City: "Ámsterdam"},
	"ZRH": {TZ: "Europe/Zurich", City: "Zúrich"},
	"GVA": {TZ: "Europe/Zurich", City: "Ginebra"},
	"VIE": {TZ: "Europe/Vienna", City: "Viena"},
	"BRU": {TZ: "Europe/Brussels", City: "Bruselas"},
	"LIS": {TZ: "Europe/Lisbon", City: "Lisboa"},
	"OPO": {TZ: "Europe/Lisbon", City: "Oporto"},
	"ATH": {TZ: "Europe/Athens", City: "Atenas"},
	"IST": {TZ: "Europe/Istanbul", City: "Estambul"},

	// Middle East, Africa, Asia-Pacific
	"DXB": {TZ: "Asia/Dubai", City: "Dubái"},
	"DOH": {TZ: "Asia/Qatar", City: "Doha"},
	"TLV": {TZ: "Asia/Jerusalem", City: "Tel Aviv"},
	"JNB": {TZ: "Africa/Johannesburg", City: "Johannesburgo"},
	"NRT": {TZ: "Asia/Tokyo", City: "Tokio"},
	"HND": {TZ: "Asia/Tokyo", City: "Tokio"},
	"ICN": {TZ: "Asia/Seoul", City: "Seúl"},
	"PEK": {TZ: "Asia/Shanghai", City: "Pekín"},
	"PVG": {TZ: "Asia/Shanghai", City: "Shanghái"},
	"HKG": {TZ: "Asia/Hong_Kong", City: "Hong Kong"},
	"SIN": {TZ: "Asia/Singapore", City: "Singapur"},
	"BKK": {TZ: "Asia/Bangkok", City: "Bangkok"},
	"DEL": {TZ: "Asia/Kolkata", City: "Nueva Delhi"},
	"BOM": {TZ: "Asia/Kolkata", City: "Bombay"},
	"SYD": {TZ: "Australia/Sydney", City: "Sídney"},
	"MEL": {TZ: "Australia/Melbourne", City: "Melbourne"},
	"AKL": {TZ: "Pacific/Auckland", City: "Auckland"},
}

var (
	locMu    sync.RWMutex
	locCache = map[string]*time.Location{}
)

// Lookup returns the airport entry for an IATA code, case-insensitively.
func Lookup(iata string) (Airport, bool) {
	a, ok := table[strings.ToUpper(strings.TrimSpace(iata))]
	return a, ok
}

// Known reports whether the IATA code is in the table.
func Known(iata string) bool {
	_, ok := Lookup(iata)
	return ok
}

// Location resolves the timezone for an IATA code. Unknown codes and
// unloadable zones fall back to UTC so callers never receive nil.
func Location(iata string) *time.Location {
	a, ok := Lookup(iata)
	if !ok {
		return time.UTC
	}

	locMu.RLock()
	loc, hit := locCache[a.TZ]
	locMu.RUnlock()
	if hit {
		return loc
	}

	loc, err := time.LoadLocation(a.TZ)
	if err != nil {
		return time.UTC
	}
	locMu.Lock()
	locCache[a.TZ] = loc
	locMu.Unlock()
	return loc
}

// CityName returns the Spanish display name for the airport's city, or the
// uppercased IATA code itself when the airport is unknown.
func CityName(iata string) string {
	if a, ok := Lookup(iata); ok {
		return a.City
	}
	return strings.ToUpper(strings.TrimSpace(iata))
}
